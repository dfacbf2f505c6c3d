package tracker

import (
	"github.com/cockroachdb/errors"
	"github.com/lachiem1/drexpay/internal/ledger"
)

// Error categories. Returned errors are marked with one of these; test with
// errors.Is.
var (
	ErrStoreFailure = errors.New("store failure")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// ErrDuplicatePayment is returned by stores when an insert hits an existing
// (member, service, period) payment.
var ErrDuplicatePayment = errors.New("payment already exists for period")

// ErrStalePayment is returned by stores when an update was planned against a
// status the stored payment no longer has.
var ErrStalePayment = errors.New("payment changed since it was read")

// classify marks err with the category a caller should react to.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrStoreFailure):
		return err
	case errors.Is(err, ledger.ErrTransitionNotAllowed):
		return errors.Mark(err, ErrForbidden)
	case errors.Is(err, ledger.ErrRejectionUnsupported),
		errors.Is(err, ledger.ErrNoPaymentToReview):
		return errors.Mark(err, ErrConflict)
	case errors.Is(err, ledger.ErrNothingToReverse),
		errors.Is(err, ledger.ErrMissingPaymentRef),
		errors.Is(err, ledger.ErrNegativeAmount):
		return errors.Mark(err, ErrValidation)
	default:
		return errors.Mark(err, ErrStoreFailure)
	}
}

// Hint returns the user-facing hint attached to err, if any.
func Hint(err error) string {
	hints := errors.GetAllHints(err)
	if len(hints) == 0 {
		return ""
	}
	return hints[0]
}
