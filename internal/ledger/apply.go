package ledger

import (
	"context"
	"fmt"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
)

// Mutation is a single write expressed independently of the entity type.
// For deletes Entity only needs to carry its ID.
type Mutation struct {
	Op              core.Op
	Entity          core.Entity
	UserID          string
	ExpectedVersion int64
}

// Apply submits m to s and returns the committed state of the entity.
func Apply(ctx context.Context, s Store, m Mutation) (core.Entity, error) {
	id := m.Entity.EntityID()
	switch e := m.Entity.(type) {
	case core.Category:
		switch m.Op {
		case core.OpCreate:
			e.UserID = m.UserID
			return wrap(s.CreateCategory(ctx, e))
		case core.OpDelete:
			return wrap(s.DeleteCategory(ctx, m.UserID, id, m.ExpectedVersion))
		}
	case core.Budget:
		switch m.Op {
		case core.OpCreate:
			e.UserID = m.UserID
			return wrap(s.CreateBudget(ctx, e))
		case core.OpUpdate:
			e.UserID = m.UserID
			e.Version = m.ExpectedVersion
			return wrap(s.UpdateBudget(ctx, e))
		case core.OpDelete:
			return wrap(s.DeleteBudget(ctx, m.UserID, id, m.ExpectedVersion))
		}
	case core.Allocation:
		switch m.Op {
		case core.OpCreate:
			e.UserID = m.UserID
			return wrap(s.CreateAllocation(ctx, e))
		case core.OpUpdate:
			return nil, apperrors.ErrAllocationImmutable
		case core.OpDelete:
			return wrap(s.DeleteAllocation(ctx, m.UserID, id, m.ExpectedVersion))
		}
	case core.Transaction:
		switch m.Op {
		case core.OpCreate:
			e.UserID = m.UserID
			return wrap(s.CreateTransaction(ctx, e))
		case core.OpUpdate:
			e.UserID = m.UserID
			e.Version = m.ExpectedVersion
			return wrap(s.UpdateTransaction(ctx, e))
		case core.OpDelete:
			return wrap(s.DeleteTransaction(ctx, m.UserID, id, m.ExpectedVersion))
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrInvalidInput,
		fmt.Errorf("unsupported mutation %s on %T", m.Op, m.Entity))
}

// Fetch reads the committed state of the entity identified by key.
func Fetch(ctx context.Context, s Store, userID string, key core.Key) (core.Entity, error) {
	switch key.Kind {
	case core.KindCategory:
		return wrap(s.GetCategory(ctx, userID, key.ID))
	case core.KindBudget:
		return wrap(s.GetBudget(ctx, userID, key.ID))
	case core.KindAllocation:
		return wrap(s.GetAllocation(ctx, userID, key.ID))
	case core.KindTransaction:
		return wrap(s.GetTransaction(ctx, userID, key.ID))
	}
	return nil, apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Errorf("unknown entity kind %q", key.Kind))
}

// FetchAll reads every live entity of kind for userID.
func FetchAll(ctx context.Context, s Store, userID string, kind core.Kind) ([]core.Entity, error) {
	switch kind {
	case core.KindCategory:
		return collect(s.ListCategories(ctx, userID))
	case core.KindBudget:
		return collect(s.ListBudgets(ctx, userID, BudgetFilter{}))
	case core.KindAllocation:
		return collect(s.ListAllocations(ctx, userID, AllocationFilter{}))
	case core.KindTransaction:
		return collect(s.ListTransactions(ctx, userID, TransactionFilter{}))
	}
	return nil, apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Errorf("unknown entity kind %q", kind))
}

func wrap[T core.Entity](v T, err error) (core.Entity, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func collect[T core.Entity](items []T, err error) ([]core.Entity, error) {
	if err != nil {
		return nil, err
	}
	out := make([]core.Entity, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out, nil
}
