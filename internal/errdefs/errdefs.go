// Package errdefs defines the typed errors shared across the sync core.
//
// The taxonomy follows how failures surface: validation and not-found are
// caller mistakes, invalid-state is a lost race on a one-shot transition,
// transport-delivery stays contained inside the fan-out layers, and store
// errors are fatal to the single operation that hit them.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input: an empty subtask list,
// an unknown status value, a blank required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an operation referencing an id absent from the store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError reports a one-shot transition attempted on a record that
// is no longer in the required state, such as approving an already-resolved
// plan. Callers treat it as a conflict, never as a retryable failure.
type InvalidStateError struct {
	ID    string
	State string
	Want  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s is %s, want %s", e.ID, e.State, e.Want)
}

// TransportDeliveryError reports a failed send to a single connection. The
// fan-out layers log it and tear down that one connection; it is never
// returned to a publisher.
type TransportDeliveryError struct {
	ConnID string
	Err    error
}

func (e *TransportDeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnID, e.Err)
}

func (e *TransportDeliveryError) Unwrap() error { return e.Err }

// StoreError wraps a failed store read or transaction.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsValidation reports whether any error in err's chain is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether any error in err's chain is a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsInvalidState reports whether any error in err's chain is an InvalidStateError.
func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

// IsStore reports whether any error in err's chain is a StoreError.
func IsStore(err error) bool {
	var v *StoreError
	return errors.As(err, &v)
}
