package sheets

import (
	"testing"
	"time"

	"ledgersync/internal/core"
)

func TestEntryOf(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		entity core.Entity
		want   Entry
	}{
		{
			name:   "category create",
			entity: core.Category{ID: "c1", UserID: "u1", Label: "Groceries", Kind: core.CategoryExpense, Meta: core.Meta{Version: 1, UpdatedAt: now}},
			want:   Entry{CommittedAt: now, Kind: core.KindCategory, ID: "c1", Op: core.OpCreate, Version: 1, UserID: "u1", Label: "Groceries", Detail: "expense"},
		},
		{
			name:   "budget update",
			entity: core.Budget{ID: "b1", UserID: "u1", Name: "March", Total: core.Money{Cents: 200000}, Month: 3, Year: 2026, Status: core.BudgetActive, Meta: core.Meta{Version: 3, UpdatedAt: now}},
			want:   Entry{CommittedAt: now, Kind: core.KindBudget, ID: "b1", Op: core.OpUpdate, Version: 3, UserID: "u1", Date: "2026-03", Amount: core.Money{Cents: 200000}, Label: "March", Detail: "active", BudgetID: "b1"},
		},
		{
			name:   "transaction delete",
			entity: core.Transaction{ID: "t1", UserID: "u1", Type: core.TransactionIncome, Amount: core.Money{Cents: 500}, BudgetID: "b1", CategoryID: "c2", Date: core.NewDate(2026, 3, 1), Meta: core.Meta{Version: 2, UpdatedAt: now, DeletedAt: &now}},
			want:   Entry{CommittedAt: now, Kind: core.KindTransaction, ID: "t1", Op: core.OpDelete, Version: 2, UserID: "u1", Date: "2026-03-01", Amount: core.Money{Cents: 500}, Detail: "income", BudgetID: "b1", CategoryID: "c2"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EntryOf(tc.entity); got != tc.want {
				t.Errorf("EntryOf() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestEntryRef(t *testing.T) {
	e := Entry{Kind: core.KindAllocation, ID: "a9", Version: 4}
	if got := e.Ref(); got != "allocation/a9@4" {
		t.Errorf("Ref() = %q", got)
	}
}
