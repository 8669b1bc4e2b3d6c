package errors

import (
	"context"
	"errors"
)

// String provides human-readable code names for logs and task records.
func (c ErrorCode) String() string {
	switch c {
	case InvalidInput:
		return "invalid_input"
	case ResourceNotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	case InvalidTransition:
		return "invalid_transition"
	case TransientExternal:
		return "transient_external"
	case RetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Code extracts the ErrorCode from an error chain, or Unknown.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return Unknown
}

// IsTransient reports whether an error should be retried by the
// orchestrator: collaborator unavailability, timeouts, and deadline
// expiry all qualify.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch Code(err) {
	case TransientExternal, Timeout:
		return true
	}
	return false
}

// IsNotFound reports whether the error is a missing-record error.
func IsNotFound(err error) bool {
	return Code(err) == ResourceNotFound
}

// IsInvalidTransition reports whether the error is an illegal
// state change on a task or goal.
func IsInvalidTransition(err error) bool {
	return Code(err) == InvalidTransition
}

// CheckContext returns an error if the context is canceled or timed out.
// This provides a standardized way to check and wrap context errors.
func CheckContext(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return Wrap(err, Canceled, operation+" canceled")
	}
	return nil
}
