package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when an operation runs before Initialize.
var ErrNotInitialized = errors.New("orchestrator: not initialized")

// ValidationError rejects a malformed submission synchronously; the job is
// never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InfrastructureError marks a failure of a backing component. During
// Initialize it propagates to the caller; in steady state operations log it
// and degrade instead of crashing.
type InfrastructureError struct {
	Component string
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Component, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func newInfrastructureError(component string, err error) *InfrastructureError {
	return &InfrastructureError{Component: component, Err: err}
}
