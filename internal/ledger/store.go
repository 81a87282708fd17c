// Package ledger defines the contract of the authoritative Ledger Store and
// the invariant checks every implementation runs before it commits a write.
package ledger

import (
	"context"
	"time"

	"ledgersync/internal/core"
)

type (
	CategoryStore interface {
		CreateCategory(ctx context.Context, c core.Category) (core.Category, error)
		// DeleteCategory soft-deletes a category. It fails with
		// CATEGORY_IN_USE while live transactions or allocations reference it.
		DeleteCategory(ctx context.Context, userID, id string, expectedVersion int64) (core.Category, error)
		GetCategory(ctx context.Context, userID, id string) (core.Category, error)
		ListCategories(ctx context.Context, userID string) ([]core.Category, error)
	}

	BudgetStore interface {
		CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		// UpdateBudget replaces name, total, period and status. b.Version is
		// the version the caller based its change on; 0 skips the check.
		UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		// DeleteBudget soft-deletes the budget, cascades to its allocations
		// and clears budget_id on linked transactions.
		DeleteBudget(ctx context.Context, userID, id string, expectedVersion int64) (core.Budget, error)
		GetBudget(ctx context.Context, userID, id string) (core.Budget, error)
		ListBudgets(ctx context.Context, userID string, filter BudgetFilter) ([]core.Budget, error)
	}

	// AllocationStore has no update path: allocations are immutable.
	AllocationStore interface {
		CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error)
		DeleteAllocation(ctx context.Context, userID, id string, expectedVersion int64) (core.Allocation, error)
		GetAllocation(ctx context.Context, userID, id string) (core.Allocation, error)
		ListAllocations(ctx context.Context, userID string, filter AllocationFilter) ([]core.Allocation, error)
	}

	TransactionStore interface {
		CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
		UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
		DeleteTransaction(ctx context.Context, userID, id string, expectedVersion int64) (core.Transaction, error)
		GetTransaction(ctx context.Context, userID, id string) (core.Transaction, error)
		ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]core.Transaction, error)
	}

	// Store is the request/response contract of the authoritative ledger.
	// Reads only return live (not soft-deleted) records.
	Store interface {
		CategoryStore
		BudgetStore
		AllocationStore
		TransactionStore
	}
)

// TransactionFilter narrows ListTransactions. Zero fields match everything.
type TransactionFilter struct {
	IDs        []string
	From       time.Time
	To         time.Time
	CategoryID string
	BudgetID   string
}

// Match reports whether t satisfies the filter.
func (f TransactionFilter) Match(t core.Transaction) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, t.ID) {
		return false
	}
	if !f.From.IsZero() && t.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Date.After(f.To) {
		return false
	}
	if f.CategoryID != "" && t.CategoryID != f.CategoryID {
		return false
	}
	if f.BudgetID != "" && t.BudgetID != f.BudgetID {
		return false
	}
	return true
}

// BudgetFilter narrows ListBudgets. Zero fields match everything.
type BudgetFilter struct {
	IDs    []string
	Month  int
	Year   int
	Status core.BudgetStatus
}

func (f BudgetFilter) Match(b core.Budget) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, b.ID) {
		return false
	}
	if f.Month != 0 && b.Month != f.Month {
		return false
	}
	if f.Year != 0 && b.Year != f.Year {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}

// AllocationFilter narrows ListAllocations.
type AllocationFilter struct {
	BudgetID   string
	CategoryID string
}

func (f AllocationFilter) Match(a core.Allocation) bool {
	if f.BudgetID != "" && a.BudgetID != f.BudgetID {
		return false
	}
	if f.CategoryID != "" && a.CategoryID != f.CategoryID {
		return false
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ChangeFeed is implemented by stores that can replay committed writes.
// Results span every user, include soft-deleted records and are ordered by
// UpdatedAt then ID.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, since time.Time, limit int) ([]core.Entity, error)
}
