package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with kind and details
type ExecutionError struct {
	Kind     ErrorKind
	Category ErrorCategory
	Code     string                 // Machine-readable code: not_found, ambiguous, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError of the same kind, so
// errors.Is(err, ErrNotFound) works on copies made by the With* helpers.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Kind != KindNone && t.Kind == e.Kind
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	c := e.clone()
	c.Message = msg
	return c
}

// WithMessagef is WithMessage with formatting.
func (e *ExecutionError) WithMessagef(format string, args ...interface{}) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	c := e.clone()
	c.Details = merged
	return c
}

func (e *ExecutionError) clone() *ExecutionError {
	return &ExecutionError{
		Kind:     e.Kind,
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// DetailDelivered marks a transport failure that happened after the agent
// received the request. An action reported this way may already have run.
const DetailDelivered = "delivered"

// MarkDelivered returns a copy of the error flagged with DetailDelivered.
func (e *ExecutionError) MarkDelivered() *ExecutionError {
	return e.WithDetails(map[string]interface{}{DetailDelivered: true})
}

// Delivered reports whether err carries DetailDelivered.
func Delivered(err error) bool {
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		return false
	}
	v, _ := ee.Details[DetailDelivered].(bool)
	return v
}

// Predefined errors, one per kind.
var (
	ErrNotFound             = NewExecutionError(KindNotFound, "element not found")
	ErrAmbiguous            = NewExecutionError(KindAmbiguous, "selector matched more than one element")
	ErrTimedOut             = NewExecutionError(KindTimedOut, "condition not met before timeout")
	ErrCancelled            = NewExecutionError(KindCancelled, "resolution cancelled")
	ErrTransportUnavailable = NewExecutionError(KindTransportUnavailable, "agent transport unavailable")
	ErrUnsupportedAction    = NewExecutionError(KindUnsupportedAction, "unsupported action")
	ErrInvalidArguments     = NewExecutionError(KindInvalidArguments, "invalid action arguments")
	ErrRemoteActionFailed   = NewExecutionError(KindRemoteActionFailed, "remote action failed")
)

// NewExecutionError creates a new ExecutionError for the kind. Category and
// Code are derived from the kind.
func NewExecutionError(kind ErrorKind, message string) *ExecutionError {
	return &ExecutionError{
		Kind:     kind,
		Category: kind.Category(),
		Code:     kind.String(),
		Message:  message,
	}
}

// KindOf returns the kind carried by err, or KindNone when err is nil or not
// an ExecutionError.
func KindOf(err error) ErrorKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindNone
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// TransportError wraps a connectivity failure so it is never mistaken for an
// empty tree.
func TransportError(cause error) *ExecutionError {
	if ee, ok := cause.(*ExecutionError); ok && ee.Kind == KindTransportUnavailable {
		return ee
	}
	return ErrTransportUnavailable.WithCause(cause)
}
