package rollup

import (
	"context"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
)

// CacheSource reads rollup inputs from the local cache overlay, so rollups
// include optimistic writes.
type CacheSource struct {
	Store *cache.Store
}

func (s CacheSource) Inputs(_ context.Context, budgetID string) (Inputs, error) {
	entry, ok := s.Store.Get(core.KindBudget, budgetID)
	if !ok || entry.Deleted || entry.Entity == nil {
		return Inputs{}, apperrors.ErrBudgetNotFound
	}
	in := Inputs{Budget: entry.Entity.(core.Budget), Pending: entry.PendingSync}

	for _, e := range s.Store.List(core.KindTransaction, linkedTo(budgetID)) {
		in.Transactions = append(in.Transactions, e.Entity.(core.Transaction))
		in.Pending = in.Pending || e.PendingSync
	}
	for _, e := range s.Store.List(core.KindAllocation, linkedTo(budgetID)) {
		in.Allocations = append(in.Allocations, e.Entity.(core.Allocation))
		in.Pending = in.Pending || e.PendingSync
	}
	return in, nil
}

func linkedTo(budgetID string) func(core.Entity) bool {
	return func(e core.Entity) bool {
		switch v := e.(type) {
		case core.Transaction:
			return v.BudgetID == budgetID
		case core.Allocation:
			return v.BudgetID == budgetID
		}
		return false
	}
}
