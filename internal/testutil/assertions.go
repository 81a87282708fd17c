// Package testutil provides fixtures and assertions shared by package tests.
package testutil

import (
	"errors"
	"testing"

	apperrors "ledgersync/internal/errors"
)

// AssertAppError checks that err is an *AppError with the expected error code.
func AssertAppError(t *testing.T, err error, expectedCode string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected AppError with code %q, got nil", expectedCode)
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}

	if appErr.Code != expectedCode {
		t.Errorf("expected error code %q, got %q (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertCents fails the test when got differs from want.
func AssertCents(t *testing.T, what string, got, want int64) {
	t.Helper()

	if got != want {
		t.Errorf("%s: expected %d cents, got %d", what, want, got)
	}
}
