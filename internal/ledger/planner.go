package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/shopspring/decimal"
)

type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

var (
	ErrNothingToReverse  = errors.New("no payment record to reverse")
	ErrMissingPaymentRef = errors.New("member and service are required")
	ErrNoPaymentToReview = errors.New("no reported payment to confirm")
	ErrNegativeAmount    = errors.New("payment amount cannot be negative")
)

// MutationRequest is a requested status change for one ledger cell.
type MutationRequest struct {
	ExistingPaymentID string
	ExistingStatus    PaymentState
	MemberID          string
	ServiceID         string
	Amount            decimal.Decimal
	PeriodDate        time.Time
	DesiredStatus     PaymentState
	Method            Method
	PaidAt            *time.Time
}

// Mutation is what the store should do. Exactly one of Insert or Patch is
// meaningful, selected by Op.
type Mutation struct {
	Op        Op
	PaymentID string
	Insert    NewPayment
	Patch     PaymentPatch
}

// PlanMutation decides between updating an existing payment and inserting a
// new one. Reverting to unpaid keeps the record and clears method and paid
// time.
func PlanMutation(req MutationRequest) (Mutation, error) {
	if strings.TrimSpace(req.MemberID) == "" || strings.TrimSpace(req.ServiceID) == "" {
		return Mutation{}, ErrMissingPaymentRef
	}
	if req.Amount.IsNegative() {
		return Mutation{}, ErrNegativeAmount
	}

	method := req.Method
	paidAt := req.PaidAt
	if req.DesiredStatus == Unpaid {
		method = MethodNone
		paidAt = nil
	}

	if req.ExistingPaymentID != "" {
		return Mutation{
			Op:        OpUpdate,
			PaymentID: req.ExistingPaymentID,
			Patch: PaymentPatch{
				Expected: req.ExistingStatus,
				Status:   req.DesiredStatus,
				Method:   method,
				PaidAt:   paidAt,
				Amount:   req.Amount,
			},
		}, nil
	}

	if req.DesiredStatus == Unpaid {
		return Mutation{}, ErrNothingToReverse
	}
	return Mutation{
		Op: OpInsert,
		Insert: NewPayment{
			MemberID:   req.MemberID,
			ServiceID:  req.ServiceID,
			Amount:     req.Amount,
			Status:     req.DesiredStatus,
			PeriodDate: billing.DateKey(billing.Midnight(req.PeriodDate)),
			PaidAt:     paidAt,
			Method:     method,
		},
	}, nil
}

// PlanMemberReport plans a member's "I paid this". It always lands on
// Pending; a manager has to confirm before the row counts as paid.
func PlanMemberReport(row Row, method Method, now time.Time) (Mutation, error) {
	if err := Transition(row.Status, Pending, RoleMember); err != nil {
		return Mutation{}, err
	}
	if method == MethodNone {
		method = DefaultMethod
	}
	reportedAt := now
	return planFor(row, Pending, method, &reportedAt)
}

// PlanConfirm plans a manager confirming a reported payment.
func PlanConfirm(row Row, now time.Time) (Mutation, error) {
	if row.Status != Pending || row.PaymentID == "" {
		return Mutation{}, ErrNoPaymentToReview
	}
	if err := Transition(row.Status, Paid, RoleManager); err != nil {
		return Mutation{}, err
	}
	method := row.Method
	if method == MethodNone {
		method = DefaultMethod
	}
	paidAt := now
	return planFor(row, Paid, method, &paidAt)
}

// PlanManagerToggle flips a row between paid and unpaid. Pending rows are
// confirmed.
func PlanManagerToggle(row Row, method Method, now time.Time) (Mutation, error) {
	desired := Paid
	if row.Status == Paid {
		desired = Unpaid
	}
	if err := Transition(row.Status, desired, RoleManager); err != nil {
		return Mutation{}, err
	}

	if desired == Unpaid {
		return planFor(row, Unpaid, MethodNone, nil)
	}
	if method == MethodNone {
		method = row.Method
	}
	if method == MethodNone {
		method = DefaultMethod
	}
	paidAt := now
	return planFor(row, Paid, method, &paidAt)
}

func requestFor(row Row, status PaymentState, method Method, paidAt *time.Time) (MutationRequest, error) {
	periodDate := row.Cycle.Start
	if periodDate.IsZero() {
		// Rows decoded from the HTTP API carry only the period key.
		parsed, err := billing.ParseDateKey(row.PeriodDate, time.UTC)
		if err != nil {
			return MutationRequest{}, err
		}
		periodDate = parsed
	}
	return MutationRequest{
		ExistingPaymentID: row.PaymentID,
		ExistingStatus:    row.Status,
		MemberID:          row.MemberID,
		ServiceID:         row.ServiceID,
		Amount:            row.RequiredAmount,
		PeriodDate:        periodDate,
		DesiredStatus:     status,
		Method:            method,
		PaidAt:            paidAt,
	}, nil
}

func planFor(row Row, status PaymentState, method Method, paidAt *time.Time) (Mutation, error) {
	req, err := requestFor(row, status, method, paidAt)
	if err != nil {
		return Mutation{}, err
	}
	return PlanMutation(req)
}
