package errors

import (
	"errors"
	"fmt"
	"testing"
)

type customError struct {
	Msg string
}

func (e customError) Error() string { return e.Msg }

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "test error" {
		t.Errorf("expected 'test error', got '%s'", err.Error())
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")

	t.Run("wrap non-nil error", func(t *testing.T) {
		wrapped := Wrap(baseErr, "wrapped")
		if wrapped == nil {
			t.Fatal("expected wrapped error, got nil")
		}
		expected := "wrapped: base error"
		if wrapped.Error() != expected {
			t.Errorf("expected '%s', got '%s'", expected, wrapped.Error())
		}
		if !errors.Is(wrapped, baseErr) {
			t.Error("expected wrapped error to wrap baseErr")
		}
	})

	t.Run("wrap nil error", func(t *testing.T) {
		wrapped := Wrap(nil, "wrapped")
		if wrapped != nil {
			t.Errorf("expected nil, got %v", wrapped)
		}
	})
}

func TestIs(t *testing.T) {
	t.Run("matches sentinel through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("%w: instance 42", ErrConcurrencyConflict)
		if !Is(wrapped, ErrConcurrencyConflict) {
			t.Error("expected wrapped error to match ErrConcurrencyConflict")
		}
	})

	t.Run("does not match different sentinel", func(t *testing.T) {
		if Is(ErrNotFound, ErrConflict) {
			t.Error("expected ErrNotFound not to match ErrConflict")
		}
	})

	t.Run("matches through Wrap", func(t *testing.T) {
		wrapped := Wrap(ErrDefinitionNotFound, "load registry")
		if !Is(wrapped, ErrDefinitionNotFound) {
			t.Error("expected wrapped error to match ErrDefinitionNotFound")
		}
	})
}

func TestAs(t *testing.T) {
	base := customError{Msg: "custom"}
	wrapped := Wrap(base, "context")

	var target customError
	if !As(wrapped, &target) {
		t.Fatal("expected As to find customError in the chain")
	}
	if target.Msg != "custom" {
		t.Errorf("expected 'custom', got '%s'", target.Msg)
	}
}
