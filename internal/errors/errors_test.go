package errors

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsIdentity(t *testing.T) {
	cause := stderrors.New("sum 120000 > 100000")
	err := Wrap(ErrOverAllocation, cause)

	if !stderrors.Is(err, ErrOverAllocation) {
		t.Fatal("wrapped error should match its sentinel")
	}
	if stderrors.Is(err, ErrBudgetClosed) {
		t.Fatal("wrapped error should not match a different sentinel")
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("wrapped error should unwrap to its cause")
	}
	if err.Kind != KindValidation {
		t.Errorf("expected kind %q, got %q", KindValidation, err.Kind)
	}
}

func TestWithMessage(t *testing.T) {
	err := WithMessage(ErrInvalidInput, "name is required")
	if err.Message != "name is required" {
		t.Errorf("unexpected message %q", err.Message)
	}
	if err.Code != ErrInvalidInput.Code {
		t.Errorf("code changed: %q", err.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil error", nil, ""},
		{"app error passes through", ErrBudgetClosed, KindValidation},
		{"wrapped app error", fmt.Errorf("create: %w", ErrBudgetNotFound), KindNotFound},
		{"connection refused", stderrors.New("dial tcp: connection refused"), KindTransient},
		{"broken pipe", stderrors.New("write: broken pipe"), KindTransient},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled is not retryable", context.Canceled, KindInternal},
		{"other error", stderrors.New("syntax error at or near"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ErrOverAllocation) {
		t.Error("validation errors must never be retried")
	}
	if IsRetryable(ErrVersionConflict) {
		t.Error("conflicts must never be retried")
	}
	if !IsRetryable(Wrap(ErrTransient, stderrors.New("timeout"))) {
		t.Error("transient errors should be retried")
	}
	if !IsRetryable(stderrors.New("read: connection reset by peer")) {
		t.Error("raw connection errors should be retried")
	}
}
