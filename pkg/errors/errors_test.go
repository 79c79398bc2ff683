package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsDuplicateKey_Wrapped(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := fmt.Errorf("insert batch: %w", NewDuplicateKeyError(42, cause))

	dup, ok := AsDuplicateKey(err)
	if !ok {
		t.Fatal("expected duplicate key error")
	}
	if dup.ID != 42 {
		t.Fatalf("expected id 42, got %d", dup.ID)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}

func TestCodePredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"not found", NewNotFoundError("x"), IsNotFound, true},
		{"invalid input", NewInvalidInputError("x"), IsInvalidInput, true},
		{"malformed", NewMalformedEventError("x", nil), IsMalformedEvent, true},
		{"store failure wrapped", fmt.Errorf("flush: %w", NewStoreFailureError("x", nil)), IsStoreFailure, true},
		{"wrong code", NewStoreFailureError("x", nil), IsNotFound, false},
		{"plain error", errors.New("x"), IsStoreFailure, false},
		{"nil", nil, IsMalformedEvent, false},
	}

	for _, tt := range tests {
		if got := tt.fn(tt.err); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDuplicateKeyError_Message(t *testing.T) {
	if got := NewDuplicateKeyError(0, errors.New("boom")).Error(); got != "[DUPLICATE_KEY] duplicate primary key: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := NewDuplicateKeyError(7, errors.New("boom")).Error(); got != "[DUPLICATE_KEY] duplicate primary key 7: boom" {
		t.Fatalf("unexpected message %q", got)
	}
}
