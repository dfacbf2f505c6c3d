// Package tracker is the boundary between callers (TUI, HTTP, CLI) and the
// store. It loads snapshots, reconciles ledgers and applies planned payment
// mutations.
package tracker

import (
	"context"

	"github.com/lachiem1/drexpay/internal/ledger"
)

// Table names a store collection that changed.
type Table string

const (
	TablePayments      Table = "payments"
	TableMembers       Table = "members"
	TableSubscriptions Table = "subscriptions"
	TableServices      Table = "services"
)

// ChangeEvent is delivered after a committed store write. Key and PaymentID
// are set for payment changes.
type ChangeEvent struct {
	Table     Table
	PaymentID string
	Key       *ledger.PaymentKey
}

// PaymentFilter narrows FetchPayments. Empty fields mean "all".
type PaymentFilter struct {
	PeriodDate string
	ServiceID  string
}

// Store is the persistence contract. Implementations return errors wrapping
// ErrNotFound, ErrDuplicatePayment and ErrStalePayment where those apply.
type Store interface {
	FetchServices(ctx context.Context) ([]ledger.Service, error)
	FetchPayments(ctx context.Context, filter PaymentFilter) ([]ledger.Payment, error)
	// PaymentByKey reads one payment straight from storage.
	PaymentByKey(ctx context.Context, key ledger.PaymentKey) (ledger.Payment, error)
	InsertPayment(ctx context.Context, p ledger.NewPayment) (ledger.Payment, error)
	// UpdatePayment applies patch only while the stored status equals
	// patch.Expected.
	UpdatePayment(ctx context.Context, id string, patch ledger.PaymentPatch) error
	InsertMember(ctx context.Context, name string) (ledger.Member, error)
	DeleteMember(ctx context.Context, id string) error
	InsertSubscription(ctx context.Context, memberID, serviceID string) error
	// OnChange registers fn and returns a function that removes it.
	OnChange(fn func(ChangeEvent)) (unsubscribe func())
}
