package ledger

import (
	"errors"
	"fmt"
)

// Role is who is asking for a status change. Only the trusted boundary that
// verified a manager capability may pass RoleManager.
type Role int

const (
	RoleMember Role = iota
	RoleManager
)

func (r Role) String() string {
	if r == RoleManager {
		return "manager"
	}
	return "member"
}

var (
	ErrTransitionNotAllowed = errors.New("payment status transition not allowed")
	ErrRejectionUnsupported = errors.New("rejecting a reported payment is not supported")
)

// Transition checks a single status change:
//
//	member:  unpaid -> pending, pending -> pending
//	manager: unpaid -> paid, pending -> paid, paid -> unpaid
//
// pending -> unpaid has no defined path and is reported separately.
func Transition(from, to PaymentState, role Role) error {
	if from == Pending && to == Unpaid {
		return ErrRejectionUnsupported
	}

	allowed := false
	switch role {
	case RoleMember:
		allowed = to == Pending && (from == Unpaid || from == Pending)
	case RoleManager:
		switch {
		case to == Paid && (from == Unpaid || from == Pending):
			allowed = true
		case from == Paid && to == Unpaid:
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot move %s -> %s", ErrTransitionNotAllowed, role, from, to)
	}
	return nil
}
