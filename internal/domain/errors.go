package domain

import (
	"errors"
	"fmt"
)

// Validation errors are rejected synchronously and never retried.
var (
	ErrValidation = errors.New("validation failed")
	ErrIneligible = errors.New("item not eligible for principal")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
)

// Settlement errors are terminal for the order.
var ErrSettlementFailed = errors.New("settlement failed")

// Transient errors come from external systems and may be retried by the worker.
var ErrTransient = errors.New("transient external error")

// Handshake errors are terminal for one handshake id.
var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHandshakeExpired  = errors.New("handshake expired")
	ErrHandshakePending  = errors.New("handshake not resolved")
)

var (
	ErrPrecondition      = errors.New("precondition not met")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInProgress        = errors.New("operation already in progress")
)

// Failure is a terminal failure with a user-facing message kept apart from
// the internal detail.
type Failure struct {
	Code    string
	Message string
	Detail  string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Code, f.Message, f.Detail)
}

// NewFailure builds a Failure, recording err as detail when present.
func NewFailure(code, message string, err error) *Failure {
	f := &Failure{Code: code, Message: message}
	if err != nil {
		f.Detail = err.Error()
	}
	return f
}

// Validationf wraps ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
