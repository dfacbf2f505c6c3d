// Package ledger joins services, subscriptions and payments into per-member
// ledger rows and plans the payment mutations users ask for.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the closed set of states a ledger cell can be in. The zero
// value is Unpaid, which is also what an absent payment record means.
type PaymentState int

const (
	Unpaid PaymentState = iota
	Pending
	Paid
)

func (s PaymentState) String() string {
	switch s {
	case Unpaid:
		return "unpaid"
	case Pending:
		return "pending"
	case Paid:
		return "paid"
	default:
		return fmt.Sprintf("PaymentState(%d)", int(s))
	}
}

// ParsePaymentState accepts the stored lowercase names.
func ParsePaymentState(raw string) (PaymentState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unpaid", "":
		return Unpaid, nil
	case "pending":
		return Pending, nil
	case "paid":
		return Paid, nil
	default:
		return Unpaid, fmt.Errorf("unknown payment status %q", raw)
	}
}

func (s PaymentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PaymentState) UnmarshalText(b []byte) error {
	v, err := ParsePaymentState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Method is how a member paid. MethodNone is only valid while unpaid.
type Method string

const (
	MethodNone  Method = ""
	MethodGCash Method = "GCash"
	MethodCash  Method = "Cash"
	MethodBank  Method = "Bank"
)

// DefaultMethod is used when a manager marks a row paid without a method.
const DefaultMethod = MethodGCash

// Methods lists the selectable payment methods in display order.
func Methods() []Method {
	return []Method{MethodGCash, MethodCash, MethodBank}
}

// ParseMethod matches method names case-insensitively.
func ParseMethod(raw string) (Method, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "-" {
		return MethodNone, nil
	}
	for _, m := range Methods() {
		if strings.EqualFold(trimmed, string(m)) {
			return m, nil
		}
	}
	return MethodNone, fmt.Errorf("unknown payment method %q", raw)
}

type Member struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AvatarInitials string `json:"avatar_initials"`
}

type Service struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	TotalCost  decimal.Decimal     `json:"total_cost"`
	FixedPrice decimal.NullDecimal `json:"fixed_price"`
	MaxSlots   int                 `json:"max_slots"`
	BillingDay int                 `json:"billing_day"`
	Members    []Member            `json:"members"`
}

// RequiredAmount is the flat per-member charge, zero when no fixed price is set.
func (s Service) RequiredAmount() decimal.Decimal {
	if !s.FixedPrice.Valid {
		return decimal.Zero
	}
	return s.FixedPrice.Decimal
}

// SlotsLeft never goes below zero.
func (s Service) SlotsLeft() int {
	left := s.MaxSlots - len(s.Members)
	if left < 0 {
		return 0
	}
	return left
}

type Payment struct {
	ID         string          `json:"id"`
	MemberID   string          `json:"member_id"`
	ServiceID  string          `json:"service_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     PaymentState    `json:"status"`
	PeriodDate string          `json:"period_date"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	Method     Method          `json:"method,omitempty"`
}

// Key identifies the ledger cell this payment belongs to.
func (p Payment) Key() PaymentKey {
	return PaymentKey{MemberID: p.MemberID, ServiceID: p.ServiceID, PeriodDate: p.PeriodDate}
}

// PaymentKey is the (member, service, period date) triple; at most one
// payment exists per key.
type PaymentKey struct {
	MemberID   string `json:"member_id"`
	ServiceID  string `json:"service_id"`
	PeriodDate string `json:"period_date"`
}

func (k PaymentKey) String() string {
	return k.MemberID + "|" + k.ServiceID + "|" + k.PeriodDate
}

// NewPayment is the insert payload produced by the planner.
type NewPayment struct {
	MemberID   string
	ServiceID  string
	Amount     decimal.Decimal
	Status     PaymentState
	PeriodDate string
	PaidAt     *time.Time
	Method     Method
}

// PaymentPatch is the update payload produced by the planner. Method and
// PaidAt are written as-is, so a zero value clears them. Stores apply the
// patch only while the stored status still equals Expected.
type PaymentPatch struct {
	Expected PaymentState
	Status   PaymentState
	Method   Method
	PaidAt   *time.Time
	Amount   decimal.Decimal
}
