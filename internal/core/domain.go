package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "ledgersync/internal/errors"
)

const (
	CategoryExpense CategoryKind = "expense"
	CategoryIncome  CategoryKind = "income"

	TransactionExpense TransactionType = "expense"
	TransactionIncome  TransactionType = "income"

	BudgetDraft  BudgetStatus = "draft"
	BudgetActive BudgetStatus = "active"
	BudgetClosed BudgetStatus = "closed"
)

const (
	// MaxAmountCents bounds every amount to ten billion in major units.
	MaxAmountCents int64 = 1_000_000_000_000
	MaxDescription       = 200
	MaxName              = 100
	MinYear              = 1970
	MaxYear              = 9999
)

type (
	CategoryKind    string
	TransactionType string
	BudgetStatus    string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Meta holds the fields the ledger assigns on commit.
	Meta struct {
		CreatedAt time.Time
		UpdatedAt time.Time
		DeletedAt *time.Time
		Version   int64
	}

	Category struct {
		ID     string
		UserID string
		Label  string
		Kind   CategoryKind
		Color  string
		Meta
	}

	Budget struct {
		ID     string
		UserID string
		Name   string
		Total  Money
		Month  int
		Year   int
		Status BudgetStatus
		Meta
	}

	// Allocation is a planned assignment of funds from the general pool into
	// a Budget/Category pair. It never moves money.
	Allocation struct {
		ID          string
		UserID      string
		BudgetID    string
		CategoryID  string
		Amount      Money
		Date        Date
		Description string
		Meta
	}

	// Transaction is the only record of actual money movement. BudgetID is
	// empty when the transaction is not linked to a budget.
	Transaction struct {
		ID            string
		UserID        string
		Type          TransactionType
		Amount        Money
		CategoryID    string
		BudgetID      string
		Date          Date
		Description   string
		PaymentMethod string
		Meta
	}
)

// NewID returns a fresh entity identifier. IDs are generated client side so
// optimistic records are addressable before the ledger commits them.
func NewID() string {
	return uuid.NewString()
}

// IsDeleted reports whether the record has been soft-deleted.
func (m Meta) IsDeleted() bool { return m.DeletedAt != nil }

func (k CategoryKind) Valid() bool {
	return k == CategoryExpense || k == CategoryIncome
}

func (t TransactionType) Valid() bool {
	return t == TransactionExpense || t == TransactionIncome
}

func (s BudgetStatus) Valid() bool {
	switch s {
	case BudgetDraft, BudgetActive, BudgetClosed:
		return true
	}
	return false
}

// CanTransition reports whether a budget may move from s to next.
// closed is terminal.
func (s BudgetStatus) CanTransition(next BudgetStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case BudgetDraft:
		return next == BudgetActive || next == BudgetClosed
	case BudgetActive:
		return next == BudgetClosed
	}
	return false
}

func (d Date) Validate() error {
	if d.IsZero() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "date cannot be zero")
	}
	if y := d.Year(); y < MinYear || y > MaxYear {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("year %d out of range", y))
	}
	return nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses an ISO yyyy-mm-dd date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, apperrors.Wrap(apperrors.WithMessage(apperrors.ErrInvalidInput, "invalid date "+s), err)
	}
	return Date{Time: t}, nil
}

// String formats the date as yyyy-mm-dd.
func (d Date) String() string {
	return d.Format(time.DateOnly)
}

func (m Money) Validate() error {
	if m.Cents <= 0 || m.Cents > MaxAmountCents {
		return apperrors.ErrInvalidAmount
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "category id is required")
	}
	if err := validateText("label", c.Label, MaxName, true); err != nil {
		return err
	}
	if !c.Kind.Valid() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("invalid category kind %q", c.Kind))
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "budget id is required")
	}
	if err := validateText("name", b.Name, MaxName, true); err != nil {
		return err
	}
	if err := b.Total.Validate(); err != nil {
		return err
	}
	if b.Month < 1 || b.Month > 12 {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("invalid month %d", b.Month))
	}
	if b.Year < MinYear || b.Year > MaxYear {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("invalid year %d", b.Year))
	}
	if !b.Status.Valid() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("invalid budget status %q", b.Status))
	}
	return nil
}

func (a Allocation) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "allocation id is required")
	}
	if strings.TrimSpace(a.BudgetID) == "" || strings.TrimSpace(a.CategoryID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidReference, "allocation requires a budget and a category")
	}
	if err := a.Amount.Validate(); err != nil {
		return err
	}
	if err := a.Date.Validate(); err != nil {
		return err
	}
	return validateText("description", a.Description, MaxDescription, false)
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "transaction id is required")
	}
	if !t.Type.Valid() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("invalid transaction type %q", t.Type))
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidReference, "transaction requires a category")
	}
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if err := validateText("description", t.Description, MaxDescription, false); err != nil {
		return err
	}
	return validateText("payment method", t.PaymentMethod, MaxName, false)
}

func validateText(field, value string, max int, required bool) error {
	if required && strings.TrimSpace(value) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, field+" is required")
	}
	if len(value) > max {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, fmt.Sprintf("%s too long (max %d characters)", field, max))
	}
	return nil
}
