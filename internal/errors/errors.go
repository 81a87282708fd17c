// Package errors provides the typed error taxonomy of the ledger core.
// Every failure that crosses the Tracker boundary is an *AppError so the
// presentation layer can branch on Kind and show Message without parsing text.
package errors

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind groups error codes by how callers must react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindInternal   Kind = "internal"
)

// AppError is a structured error with a stable code, a human-presentable
// message and an optional internal cause that is never shown to users.
type AppError struct {
	Kind     Kind   `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Internal error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return e.Message + ": " + e.Internal.Error()
	}
	return e.Message
}

// Unwrap returns the internal error for use with errors.Is/As.
func (e *AppError) Unwrap() error { return e.Internal }

// Is matches any *AppError carrying the same code, so wrapped copies of a
// sentinel still satisfy errors.Is(err, ErrOverAllocation).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the operation may succeed if attempted again.
func (e *AppError) Retryable() bool { return e.Kind == KindTransient }

// Wrap creates a new AppError with the same kind/code/message wrapping an internal error.
func Wrap(sentinel *AppError, internal error) *AppError {
	return &AppError{
		Kind:     sentinel.Kind,
		Code:     sentinel.Code,
		Message:  sentinel.Message,
		Internal: internal,
	}
}

// WithMessage creates a new AppError with a custom message.
func WithMessage(sentinel *AppError, message string) *AppError {
	return &AppError{
		Kind:     sentinel.Kind,
		Code:     sentinel.Code,
		Message:  message,
		Internal: sentinel.Internal,
	}
}

// Validation errors.
var (
	ErrInvalidInput        = &AppError{Kind: KindValidation, Code: "INVALID_INPUT", Message: "Invalid input"}
	ErrInvalidAmount       = &AppError{Kind: KindValidation, Code: "INVALID_AMOUNT", Message: "Amount is out of bounds"}
	ErrOverAllocation      = &AppError{Kind: KindValidation, Code: "OVER_ALLOCATION", Message: "Allocations would exceed the budget total"}
	ErrBudgetClosed        = &AppError{Kind: KindValidation, Code: "BUDGET_CLOSED", Message: "Budget is closed"}
	ErrInvalidReference    = &AppError{Kind: KindValidation, Code: "INVALID_REFERENCE", Message: "Referenced budget or category does not exist"}
	ErrAllocationImmutable = &AppError{Kind: KindValidation, Code: "ALLOCATION_IMMUTABLE", Message: "Allocations cannot be modified after creation"}
	ErrCategoryInUse       = &AppError{Kind: KindValidation, Code: "CATEGORY_IN_USE", Message: "Category is used by existing transactions or allocations"}
	ErrInvalidStatus       = &AppError{Kind: KindValidation, Code: "INVALID_STATUS_CHANGE", Message: "Budget status change is not allowed"}
)

// Not found errors.
var (
	ErrNotFound            = &AppError{Kind: KindNotFound, Code: "NOT_FOUND", Message: "Resource not found"}
	ErrBudgetNotFound      = &AppError{Kind: KindNotFound, Code: "BUDGET_NOT_FOUND", Message: "Budget not found"}
	ErrCategoryNotFound    = &AppError{Kind: KindNotFound, Code: "CATEGORY_NOT_FOUND", Message: "Category not found"}
	ErrTransactionNotFound = &AppError{Kind: KindNotFound, Code: "TRANSACTION_NOT_FOUND", Message: "Transaction not found"}
	ErrAllocationNotFound  = &AppError{Kind: KindNotFound, Code: "ALLOCATION_NOT_FOUND", Message: "Allocation not found"}
)

// Conflict errors.
var (
	ErrConflict        = &AppError{Kind: KindConflict, Code: "CONFLICT", Message: "Local changes diverged from the ledger"}
	ErrVersionConflict = &AppError{Kind: KindConflict, Code: "VERSION_CONFLICT", Message: "Record was changed by another session"}
	ErrWithdrawn       = &AppError{Kind: KindConflict, Code: "WITHDRAWN", Message: "Change was withdrawn before it was submitted"}
)

// Availability errors.
var (
	ErrTransient      = &AppError{Kind: KindTransient, Code: "TRANSIENT", Message: "Ledger is temporarily unavailable"}
	ErrRetryExhausted = &AppError{Kind: KindTransient, Code: "RETRY_EXHAUSTED", Message: "Ledger could not be reached, change was not saved"}
	ErrInternal       = &AppError{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "An internal error occurred"}
)

// KindOf returns the kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}

// Classify converts any error into an *AppError. AppErrors are returned
// unchanged; connection-level failures become transient; everything else is
// internal.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.Canceled) {
		return Wrap(ErrInternal, err)
	}
	if isConnectionError(err) {
		return Wrap(ErrTransient, err)
	}
	return Wrap(ErrInternal, err)
}

var connectionErrorFragments = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"use of closed network connection",
	"unexpected eof",
	"no such host",
	"i/o timeout",
	"database is locked",
}

func isConnectionError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range connectionErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
