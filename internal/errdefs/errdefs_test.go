package errdefs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/basket/taskdeck/internal/errdefs"
)

func TestClassifiersMatchThroughWrapping(t *testing.T) {
	base := &errdefs.InvalidStateError{ID: "t1", State: "approved", Want: "pending"}
	wrapped := fmt.Errorf("approve plan: %w", base)

	if !errdefs.IsInvalidState(wrapped) {
		t.Fatalf("IsInvalidState(wrapped) = false, want true")
	}
	if errdefs.IsNotFound(wrapped) {
		t.Fatalf("IsNotFound(wrapped) = true, want false")
	}
	if errdefs.IsValidation(wrapped) {
		t.Fatalf("IsValidation(wrapped) = true, want false")
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	inner := errors.New("disk I/O error")
	err := &errdefs.StoreError{Op: "approve plan tx", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, want true")
	}
	if !errdefs.IsStore(fmt.Errorf("machine: %w", err)) {
		t.Fatalf("IsStore(wrapped) = false, want true")
	}
}

func TestTransportDeliveryErrorUnwrap(t *testing.T) {
	inner := errors.New("use of closed network connection")
	err := &errdefs.TransportDeliveryError{ConnID: "c-42", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, want true")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
}

func TestValidationErrorMessages(t *testing.T) {
	withField := &errdefs.ValidationError{Field: "subtasks", Reason: "must not be empty"}
	if got, want := withField.Error(), "validation: subtasks: must not be empty"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	bare := &errdefs.ValidationError{Reason: "unknown status"}
	if got, want := bare.Error(), "validation: unknown status"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &errdefs.NotFoundError{Kind: "task", ID: "abc"}
	if got, want := err.Error(), "task abc not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
