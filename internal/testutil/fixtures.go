package testutil

import (
	"context"
	"testing"

	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
)

// TestUserID owns every fixture unless a test says otherwise.
const TestUserID = "user-1"

// NewCategory returns an uncommitted expense category.
func NewCategory(label string) core.Category {
	return core.Category{
		ID:     core.NewID(),
		UserID: TestUserID,
		Label:  label,
		Kind:   core.CategoryExpense,
	}
}

// NewBudget returns an uncommitted active budget for January 2025.
func NewBudget(name string, totalCents int64) core.Budget {
	return core.Budget{
		ID:     core.NewID(),
		UserID: TestUserID,
		Name:   name,
		Total:  core.Money{Cents: totalCents},
		Month:  1,
		Year:   2025,
		Status: core.BudgetActive,
	}
}

// NewExpense returns an uncommitted expense. budgetID may be empty.
func NewExpense(categoryID, budgetID string, cents int64) core.Transaction {
	return core.Transaction{
		ID:          core.NewID(),
		UserID:      TestUserID,
		Type:        core.TransactionExpense,
		Amount:      core.Money{Cents: cents},
		CategoryID:  categoryID,
		BudgetID:    budgetID,
		Date:        core.NewDate(2025, 1, 15),
		Description: "test expense",
	}
}

// NewAllocation returns an uncommitted allocation.
func NewAllocation(budgetID, categoryID string, cents int64) core.Allocation {
	return core.Allocation{
		ID:         core.NewID(),
		UserID:     TestUserID,
		BudgetID:   budgetID,
		CategoryID: categoryID,
		Amount:     core.Money{Cents: cents},
		Date:       core.NewDate(2025, 1, 1),
	}
}

// CreateTestCategory commits an expense category to s.
func CreateTestCategory(t *testing.T, s ledger.Store, label string) core.Category {
	t.Helper()

	c, err := s.CreateCategory(context.Background(), NewCategory(label))
	if err != nil {
		t.Fatalf("failed to create test category: %v", err)
	}
	return c
}

// CreateTestBudget commits an active budget to s.
func CreateTestBudget(t *testing.T, s ledger.Store, name string, totalCents int64) core.Budget {
	t.Helper()

	b, err := s.CreateBudget(context.Background(), NewBudget(name, totalCents))
	if err != nil {
		t.Fatalf("failed to create test budget: %v", err)
	}
	return b
}

// CreateTestExpense commits an expense to s.
func CreateTestExpense(t *testing.T, s ledger.Store, categoryID, budgetID string, cents int64) core.Transaction {
	t.Helper()

	tx, err := s.CreateTransaction(context.Background(), NewExpense(categoryID, budgetID, cents))
	if err != nil {
		t.Fatalf("failed to create test transaction: %v", err)
	}
	return tx
}

// CreateTestAllocation commits an allocation to s.
func CreateTestAllocation(t *testing.T, s ledger.Store, budgetID, categoryID string, cents int64) core.Allocation {
	t.Helper()

	a, err := s.CreateAllocation(context.Background(), NewAllocation(budgetID, categoryID, cents))
	if err != nil {
		t.Fatalf("failed to create test allocation: %v", err)
	}
	return a
}
