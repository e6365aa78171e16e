package escrow

import (
	"errors"
	"fmt"

	"FarmEscrow/internal/models"
)

var (
	ErrInvalidTerms           = errors.New("invalid escrow terms")
	ErrNotFound               = errors.New("escrow not found")
	ErrUnauthorized           = errors.New("actor not authorized for operation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidAmount          = errors.New("invalid deposit amount")
	ErrDeadlineExpired        = errors.New("delivery deadline expired")
	ErrSettlementUnavailable  = errors.New("settlement unavailable")
	ErrSettlementFailed       = errors.New("settlement failed")
)

// TransitionError reports a refused or failed operation together with the
// record's status at the time. It matches every kind it was built with.
type TransitionError struct {
	Op     models.Operation
	Status models.Status
	Detail string
	kinds  []error
}

func newTransitionError(op models.Operation, status models.Status, detail string, kinds ...error) *TransitionError {
	return &TransitionError{Op: op, Status: status, Detail: detail, kinds: kinds}
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("escrow: %s refused in status %s", e.Op, e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() []error { return e.kinds }

// Kind names the most specific error kind for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrInvalidTerms):
		return "invalid_terms"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrSettlementUnavailable):
		return "settlement_unavailable"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	}
	return "internal"
}

func invalidTerms(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTerms, fmt.Sprintf(format, args...))
}
