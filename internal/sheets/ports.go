// Package sheets mirrors committed ledger writes into an append-only journal.
package sheets

import (
	"context"
	"fmt"
	"time"

	"ledgersync/internal/core"
)

// Entry is one committed ledger write as it is recorded in the journal.
type Entry struct {
	CommittedAt time.Time
	Kind        core.Kind
	ID          string
	Op          core.Op
	Version     int64
	UserID      string
	// Date is empty for categories and budgets.
	Date       string
	Amount     core.Money
	Label      string
	Detail     string
	BudgetID   string
	CategoryID string
}

// Ref identifies an entry across journals. Each committed version of a
// record is journaled at most once.
func (e Entry) Ref() string {
	return fmt.Sprintf("%s/%s@%d", e.Kind, e.ID, e.Version)
}

// EntryOf builds the journal entry for a committed entity. The operation is
// derived from its metadata.
func EntryOf(e core.Entity) Entry {
	meta := e.Metadata()
	out := Entry{
		CommittedAt: meta.UpdatedAt.UTC(),
		Kind:        e.EntityKind(),
		ID:          e.EntityID(),
		Version:     meta.Version,
		Op:          core.OpUpdate,
	}
	switch {
	case meta.IsDeleted():
		out.Op = core.OpDelete
	case meta.Version <= 1:
		out.Op = core.OpCreate
	}

	switch v := e.(type) {
	case core.Category:
		out.UserID, out.Label, out.Detail = v.UserID, v.Label, string(v.Kind)
	case core.Budget:
		out.UserID, out.Label, out.Detail = v.UserID, v.Name, string(v.Status)
		out.Amount = v.Total
		out.Date = fmt.Sprintf("%04d-%02d", v.Year, v.Month)
		out.BudgetID = v.ID
	case core.Allocation:
		out.UserID, out.Label = v.UserID, v.Description
		out.Amount, out.Date = v.Amount, v.Date.String()
		out.BudgetID, out.CategoryID = v.BudgetID, v.CategoryID
	case core.Transaction:
		out.UserID, out.Label, out.Detail = v.UserID, v.Description, string(v.Type)
		out.Amount, out.Date = v.Amount, v.Date.String()
		out.BudgetID, out.CategoryID = v.BudgetID, v.CategoryID
	}
	return out
}

// Ports for journal adapters.
type (
	// JournalWriter appends entries. Appending an entry whose Ref is already
	// recorded is a no-op returning the existing row reference.
	JournalWriter interface {
		Append(ctx context.Context, e Entry) (rowRef string, err error)
	}

	JournalReader interface {
		// Entries returns every recorded entry in append order.
		Entries(ctx context.Context) ([]Entry, error)
	}

	Journal interface {
		JournalWriter
		JournalReader
	}
)
