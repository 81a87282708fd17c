package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
)

// Inputs carry what a user types. Ledger-owned fields (id, owner, version,
// timestamps) are filled in by the Tracker.
type (
	CategoryInput struct {
		Label string            `validate:"required,max=100"`
		Kind  core.CategoryKind `validate:"required,category_kind"`
		Color string            `validate:"omitempty,hexcolor"`
	}

	BudgetInput struct {
		Name       string `validate:"required,max=100"`
		TotalCents int64  `validate:"gt=0,lte=1000000000000"`
		Month      int    `validate:"min=1,max=12"`
		Year       int    `validate:"min=1970,max=9999"`
		// Status defaults to active.
		Status core.BudgetStatus `validate:"omitempty,budget_status"`
	}

	AllocationInput struct {
		BudgetID    string
		CategoryID  string
		AmountCents int64 `validate:"gt=0,lte=1000000000000"`
		Date        core.Date
		Description string `validate:"max=200"`
	}

	TransactionInput struct {
		Type          core.TransactionType `validate:"required,transaction_type"`
		AmountCents   int64                `validate:"gt=0,lte=1000000000000"`
		CategoryID    string
		BudgetID      string
		Date          core.Date
		Description   string `validate:"max=200"`
		PaymentMethod string `validate:"max=100"`
	}
)

func (in CategoryInput) category(id, userID string) core.Category {
	return core.Category{ID: id, UserID: userID, Label: strings.TrimSpace(in.Label), Kind: in.Kind, Color: in.Color}
}

func (in BudgetInput) budget(id, userID string) core.Budget {
	status := in.Status
	if status == "" {
		status = core.BudgetActive
	}
	return core.Budget{
		ID:     id,
		UserID: userID,
		Name:   strings.TrimSpace(in.Name),
		Total:  core.Money{Cents: in.TotalCents},
		Month:  in.Month,
		Year:   in.Year,
		Status: status,
	}
}

func (in AllocationInput) allocation(id, userID string) core.Allocation {
	return core.Allocation{
		ID:          id,
		UserID:      userID,
		BudgetID:    in.BudgetID,
		CategoryID:  in.CategoryID,
		Amount:      core.Money{Cents: in.AmountCents},
		Date:        in.Date,
		Description: strings.TrimSpace(in.Description),
	}
}

func (in TransactionInput) transaction(id, userID string) core.Transaction {
	return core.Transaction{
		ID:            id,
		UserID:        userID,
		Type:          in.Type,
		Amount:        core.Money{Cents: in.AmountCents},
		CategoryID:    in.CategoryID,
		BudgetID:      in.BudgetID,
		Date:          in.Date,
		Description:   strings.TrimSpace(in.Description),
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
	}
}

// newValidator returns a validator with the ledger's enum checks registered.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("category_kind", validateCategoryKind)
	_ = v.RegisterValidation("transaction_type", validateTransactionType)
	_ = v.RegisterValidation("budget_status", validateBudgetStatus)
	return v
}

func validateCategoryKind(fl validator.FieldLevel) bool {
	return core.CategoryKind(fl.Field().String()).Valid()
}

func validateTransactionType(fl validator.FieldLevel) bool {
	return core.TransactionType(fl.Field().String()).Valid()
}

func validateBudgetStatus(fl validator.FieldLevel) bool {
	return core.BudgetStatus(fl.Field().String()).Valid()
}

// inputError turns validator failures into the ledger's error codes. Amount
// fields map to INVALID_AMOUNT, everything else to INVALID_INPUT.
func inputError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, err)
	}
	fe := verrs[0]
	sentinel := apperrors.ErrInvalidInput
	if strings.HasSuffix(fe.Field(), "Cents") {
		sentinel = apperrors.ErrInvalidAmount
	}
	msg := fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s is invalid (%s=%s)", fe.Field(), fe.Tag(), fe.Param())
	}
	return apperrors.WithMessage(sentinel, msg)
}
