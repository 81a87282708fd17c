// Package ledgertest holds the behavioural suite every ledger.Store
// implementation must pass.
package ledgertest

import (
	"context"
	"testing"

	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
	"ledgersync/internal/testutil"
)

// Run exercises the ledger invariants against stores produced by newStore.
// Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"RoundTrip", testRoundTrip},
		{"OverAllocationRejected", testOverAllocation},
		{"AllocationFillsBudgetExactly", testAllocationExactFit},
		{"BudgetTotalBelowAllocations", testBudgetTotalBelowAllocations},
		{"ClosedBudgetRejectsWrites", testClosedBudget},
		{"ClosedIsTerminal", testClosedIsTerminal},
		{"BudgetStatusDefaultsActive", testBudgetStatusDefaultsActive},
		{"InvalidReferences", testInvalidReferences},
		{"VersionConflict", testVersionConflict},
		{"DeleteBudgetCascades", testDeleteBudgetCascades},
		{"CategoryInUse", testCategoryInUse},
		{"UserIsolation", testUserIsolation},
		{"TransactionFilters", testTransactionFilters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Groceries")
	b := testutil.CreateTestBudget(t, s, "January", 200000)
	if b.Version != 1 || b.CreatedAt.IsZero() {
		t.Fatalf("expected ledger-assigned meta, got %+v", b.Meta)
	}

	tx := testutil.NewExpense(cat.ID, b.ID, 4250)
	tx.Description = "market"
	tx.PaymentMethod = "card"
	created, err := s.CreateTransaction(ctx, tx)
	testutil.AssertNoError(t, err)

	got, err := s.GetTransaction(ctx, testutil.TestUserID, tx.ID)
	testutil.AssertNoError(t, err)
	if got.Amount != created.Amount || got.CategoryID != cat.ID || got.BudgetID != b.ID ||
		got.Description != "market" || got.PaymentMethod != "card" || got.Date.String() != "2025-01-15" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}

	got.Amount = core.Money{Cents: 5000}
	updated, err := s.UpdateTransaction(ctx, got)
	testutil.AssertNoError(t, err)
	if updated.Version != 2 || updated.Amount.Cents != 5000 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	gotBudget, err := s.GetBudget(ctx, testutil.TestUserID, b.ID)
	testutil.AssertNoError(t, err)
	if gotBudget.Total.Cents != 200000 || gotBudget.Status != core.BudgetActive || gotBudget.Month != 1 || gotBudget.Year != 2025 {
		t.Fatalf("budget mismatch: %+v", gotBudget)
	}
}

func testOverAllocation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Rent")
	b := testutil.CreateTestBudget(t, s, "Home", 100000)
	testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 90000)

	_, err := s.CreateAllocation(ctx, testutil.NewAllocation(b.ID, cat.ID, 20000))
	testutil.AssertAppError(t, err, "OVER_ALLOCATION")

	allocs, err := s.ListAllocations(ctx, testutil.TestUserID, ledger.AllocationFilter{BudgetID: b.ID})
	testutil.AssertNoError(t, err)
	var sum int64
	for _, a := range allocs {
		sum += a.Amount.Cents
	}
	testutil.AssertCents(t, "allocated", sum, 90000)
}

func testAllocationExactFit(t *testing.T, s ledger.Store) {
	cat := testutil.CreateTestCategory(t, s, "Rent")
	b := testutil.CreateTestBudget(t, s, "Home", 100000)
	testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 60000)
	testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 40000)
}

func testBudgetTotalBelowAllocations(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Rent")
	b := testutil.CreateTestBudget(t, s, "Home", 100000)
	testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 70000)

	b.Total = core.Money{Cents: 50000}
	_, err := s.UpdateBudget(ctx, b)
	testutil.AssertAppError(t, err, "OVER_ALLOCATION")
}

func testClosedBudget(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Fuel")
	b := testutil.CreateTestBudget(t, s, "Car", 50000)
	linked := testutil.CreateTestExpense(t, s, cat.ID, b.ID, 1000)
	alloc := testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 1000)

	b.Status = core.BudgetClosed
	closed, err := s.UpdateBudget(ctx, b)
	testutil.AssertNoError(t, err)

	_, err = s.CreateTransaction(ctx, testutil.NewExpense(cat.ID, b.ID, 500))
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	_, err = s.CreateAllocation(ctx, testutil.NewAllocation(b.ID, cat.ID, 500))
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	linked.Amount = core.Money{Cents: 2000}
	_, err = s.UpdateTransaction(ctx, linked)
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	_, err = s.DeleteTransaction(ctx, testutil.TestUserID, linked.ID, 0)
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	_, err = s.DeleteAllocation(ctx, testutil.TestUserID, alloc.ID, 0)
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	closed.Name = "Renamed"
	_, err = s.UpdateBudget(ctx, closed)
	testutil.AssertAppError(t, err, "BUDGET_CLOSED")

	// unlinked transactions are unaffected
	testutil.CreateTestExpense(t, s, cat.ID, "", 500)
}

func testClosedIsTerminal(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := testutil.CreateTestBudget(t, s, "Trip", 10000)
	b.Status = core.BudgetDraft
	_, err := s.UpdateBudget(ctx, b)
	testutil.AssertAppError(t, err, "INVALID_STATUS_CHANGE")
}

func testBudgetStatusDefaultsActive(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := testutil.NewBudget("Unset", 10000)
	b.Status = ""
	created, err := s.CreateBudget(ctx, b)
	testutil.AssertNoError(t, err)
	if created.Status != core.BudgetActive {
		t.Fatalf("expected active, got %q", created.Status)
	}
	got, err := s.GetBudget(ctx, testutil.TestUserID, b.ID)
	testutil.AssertNoError(t, err)
	if got.Status != core.BudgetActive {
		t.Fatalf("expected stored status active, got %q", got.Status)
	}
}

func testInvalidReferences(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Food")

	_, err := s.CreateTransaction(ctx, testutil.NewExpense(cat.ID, core.NewID(), 100))
	testutil.AssertAppError(t, err, "INVALID_REFERENCE")

	_, err = s.CreateTransaction(ctx, testutil.NewExpense(core.NewID(), "", 100))
	testutil.AssertAppError(t, err, "INVALID_REFERENCE")

	b := testutil.CreateTestBudget(t, s, "Food", 10000)
	_, err = s.DeleteBudget(ctx, testutil.TestUserID, b.ID, 0)
	testutil.AssertNoError(t, err)
	_, err = s.CreateAllocation(ctx, testutil.NewAllocation(b.ID, cat.ID, 100))
	testutil.AssertAppError(t, err, "INVALID_REFERENCE")
}

func testVersionConflict(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := testutil.CreateTestBudget(t, s, "Shared", 10000)

	first := b
	first.Name = "First"
	_, err := s.UpdateBudget(ctx, first)
	testutil.AssertNoError(t, err)

	second := b
	second.Name = "Second"
	_, err = s.UpdateBudget(ctx, second)
	testutil.AssertAppError(t, err, "VERSION_CONFLICT")

	got, err := s.GetBudget(ctx, testutil.TestUserID, b.ID)
	testutil.AssertNoError(t, err)
	if got.Name != "First" || got.Version != 2 {
		t.Fatalf("expected first write to win, got %+v", got)
	}

	_, err = s.DeleteBudget(ctx, testutil.TestUserID, b.ID, 1)
	testutil.AssertAppError(t, err, "VERSION_CONFLICT")
}

func testDeleteBudgetCascades(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Fun")
	b := testutil.CreateTestBudget(t, s, "Fun", 10000)
	tx := testutil.CreateTestExpense(t, s, cat.ID, b.ID, 500)
	testutil.CreateTestAllocation(t, s, b.ID, cat.ID, 5000)

	_, err := s.DeleteBudget(ctx, testutil.TestUserID, b.ID, b.Version)
	testutil.AssertNoError(t, err)

	_, err = s.GetBudget(ctx, testutil.TestUserID, b.ID)
	testutil.AssertAppError(t, err, "BUDGET_NOT_FOUND")

	allocs, err := s.ListAllocations(ctx, testutil.TestUserID, ledger.AllocationFilter{BudgetID: b.ID})
	testutil.AssertNoError(t, err)
	if len(allocs) != 0 {
		t.Fatalf("expected allocations to be deleted, got %d", len(allocs))
	}

	got, err := s.GetTransaction(ctx, testutil.TestUserID, tx.ID)
	testutil.AssertNoError(t, err)
	if got.BudgetID != "" {
		t.Fatalf("expected transaction to be unlinked, got budget %q", got.BudgetID)
	}
	if got.Version != tx.Version+1 {
		t.Fatalf("expected unlink to bump version, got %d", got.Version)
	}
}

func testCategoryInUse(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	used := testutil.CreateTestCategory(t, s, "Used")
	free := testutil.CreateTestCategory(t, s, "Free")
	tx := testutil.CreateTestExpense(t, s, used.ID, "", 100)

	_, err := s.DeleteCategory(ctx, testutil.TestUserID, used.ID, 0)
	testutil.AssertAppError(t, err, "CATEGORY_IN_USE")

	_, err = s.DeleteCategory(ctx, testutil.TestUserID, free.ID, 0)
	testutil.AssertNoError(t, err)

	_, err = s.DeleteTransaction(ctx, testutil.TestUserID, tx.ID, tx.Version)
	testutil.AssertNoError(t, err)
	_, err = s.DeleteCategory(ctx, testutil.TestUserID, used.ID, 0)
	testutil.AssertNoError(t, err)

	cats, err := s.ListCategories(ctx, testutil.TestUserID)
	testutil.AssertNoError(t, err)
	if len(cats) != 0 {
		t.Fatalf("expected no live categories, got %d", len(cats))
	}
}

func testUserIsolation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := testutil.CreateTestBudget(t, s, "Mine", 10000)

	_, err := s.GetBudget(ctx, "someone-else", b.ID)
	testutil.AssertAppError(t, err, "BUDGET_NOT_FOUND")

	list, err := s.ListBudgets(ctx, "someone-else", ledger.BudgetFilter{})
	testutil.AssertNoError(t, err)
	if len(list) != 0 {
		t.Fatalf("expected empty list for another user, got %d", len(list))
	}
}

func testTransactionFilters(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cat := testutil.CreateTestCategory(t, s, "Food")
	other := testutil.CreateTestCategory(t, s, "Other")
	b := testutil.CreateTestBudget(t, s, "Food", 100000)

	early := testutil.NewExpense(cat.ID, b.ID, 100)
	early.Date = core.NewDate(2025, 1, 2)
	late := testutil.NewExpense(other.ID, "", 200)
	late.Date = core.NewDate(2025, 1, 28)
	for _, tx := range []core.Transaction{early, late} {
		_, err := s.CreateTransaction(ctx, tx)
		testutil.AssertNoError(t, err)
	}

	tests := []struct {
		name   string
		filter ledger.TransactionFilter
		want   int
	}{
		{"all", ledger.TransactionFilter{}, 2},
		{"budget", ledger.TransactionFilter{BudgetID: b.ID}, 1},
		{"category", ledger.TransactionFilter{CategoryID: other.ID}, 1},
		{"from", ledger.TransactionFilter{From: core.NewDate(2025, 1, 10).Time}, 1},
		{"to", ledger.TransactionFilter{To: core.NewDate(2025, 1, 10).Time}, 1},
		{"ids", ledger.TransactionFilter{IDs: []string{early.ID, late.ID}}, 2},
	}
	for _, tt := range tests {
		got, err := s.ListTransactions(ctx, testutil.TestUserID, tt.filter)
		testutil.AssertNoError(t, err)
		if len(got) != tt.want {
			t.Errorf("%s: expected %d transactions, got %d", tt.name, tt.want, len(got))
		}
	}
}
