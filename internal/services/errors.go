package services

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the transport layer. Handlers map them to HTTP
// statuses; see internal/api/v1.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrStateConflict     = errors.New("state conflict")
	ErrConcurrencyLoss   = errors.New("concurrent update lost")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbiddenAgent    = errors.New("agent not permitted")
)

// StatusError carries the entity's current status alongside the error kind
// so conflict responses can include current_status.
type StatusError struct {
	Kind          error
	Message       string
	CurrentStatus string
}

func (e *StatusError) Error() string {
	if e.CurrentStatus != "" {
		return fmt.Sprintf("%s (current status: %s)", e.Message, e.CurrentStatus)
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

func stateConflict(currentStatus, format string, args ...interface{}) error {
	return &StatusError{Kind: ErrStateConflict, Message: fmt.Sprintf(format, args...), CurrentStatus: currentStatus}
}

func concurrencyLoss(currentStatus, format string, args ...interface{}) error {
	return &StatusError{Kind: ErrConcurrencyLoss, Message: fmt.Sprintf(format, args...), CurrentStatus: currentStatus}
}

func validationError(format string, args ...interface{}) error {
	return &StatusError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return &StatusError{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidTransition(from, to string) error {
	return &StatusError{
		Kind:          ErrInvalidTransition,
		Message:       fmt.Sprintf("cannot transition step from %s to %s", from, to),
		CurrentStatus: from,
	}
}
