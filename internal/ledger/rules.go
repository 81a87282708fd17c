package ledger

import (
	"fmt"
	"time"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
)

// The checks below are shared by every Store implementation. Each one runs
// inside the implementation's write critical section, against the state the
// write is about to replace.

// CheckVersion fails with VERSION_CONFLICT when the caller's expected version
// is set and differs from the stored one.
func CheckVersion(kind core.Kind, id string, stored, expected int64) error {
	if expected != 0 && stored != expected {
		return apperrors.Wrap(apperrors.ErrVersionConflict,
			fmt.Errorf("%s %s is at version %d, change was based on %d", kind, id, stored, expected))
	}
	return nil
}

// CheckBudgetOpen fails with BUDGET_CLOSED for writes touching a closed budget.
func CheckBudgetOpen(b core.Budget) error {
	if b.Status == core.BudgetClosed {
		return apperrors.Wrap(apperrors.ErrBudgetClosed, fmt.Errorf("budget %s is closed", b.ID))
	}
	return nil
}

// CheckLiveBudget resolves a referenced budget. A missing or soft-deleted
// budget is an invalid reference; a closed one rejects the write.
func CheckLiveBudget(b *core.Budget, id string) error {
	if b == nil || b.IsDeleted() {
		return apperrors.Wrap(apperrors.ErrInvalidReference, fmt.Errorf("budget %s does not exist", id))
	}
	return CheckBudgetOpen(*b)
}

// CheckLiveCategory resolves a referenced category.
func CheckLiveCategory(c *core.Category, id string) error {
	if c == nil || c.IsDeleted() {
		return apperrors.Wrap(apperrors.ErrInvalidReference, fmt.Errorf("category %s does not exist", id))
	}
	return nil
}

// CheckAllocationFits enforces sum(allocations) + amount <= total.
func CheckAllocationFits(b core.Budget, allocated, amount core.Money) error {
	if allocated.Cents+amount.Cents > b.Total.Cents {
		return apperrors.Wrap(apperrors.ErrOverAllocation,
			fmt.Errorf("budget %s: allocated %s + %s exceeds total %s", b.ID, allocated, amount, b.Total))
	}
	return nil
}

// CheckBudgetUpdate validates a budget replacement against its stored state
// and the live allocation sum.
func CheckBudgetUpdate(stored, next core.Budget, allocated core.Money) error {
	if err := CheckVersion(core.KindBudget, stored.ID, stored.Version, next.Version); err != nil {
		return err
	}
	if err := CheckBudgetOpen(stored); err != nil {
		return err
	}
	if !stored.Status.CanTransition(next.Status) {
		return apperrors.Wrap(apperrors.ErrInvalidStatus,
			fmt.Errorf("budget %s cannot move from %s to %s", stored.ID, stored.Status, next.Status))
	}
	if next.Total.Cents < allocated.Cents {
		return apperrors.Wrap(apperrors.ErrOverAllocation,
			fmt.Errorf("budget %s: total %s is below allocated %s", stored.ID, next.Total, allocated))
	}
	return nil
}

// Committed stamps the ledger-assigned fields for a write at now.
func Committed(prev core.Meta, now time.Time) core.Meta {
	m := core.Meta{
		CreatedAt: prev.CreatedAt,
		UpdatedAt: now,
		DeletedAt: prev.DeletedAt,
		Version:   prev.Version + 1,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m
}

// Deleted stamps a soft delete at now.
func Deleted(prev core.Meta, now time.Time) core.Meta {
	m := Committed(prev, now)
	m.DeletedAt = &now
	return m
}
