package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/ledger"
)

const (
	categoryColumns    = "id, user_id, label, kind, color, created_at, updated_at, deleted_at, version"
	budgetColumns      = "id, user_id, name, total_cents, month, year, status, created_at, updated_at, deleted_at, version"
	allocationColumns  = "id, user_id, budget_id, category_id, amount_cents, date, description, created_at, updated_at, deleted_at, version"
	transactionColumns = "id, user_id, type, amount_cents, category_id, budget_id, date, description, payment_method, created_at, updated_at, deleted_at, version"
)

func scanCategory(r scanner) (core.Category, error) {
	var (
		c    core.Category
		kind string
		m    metaColumns
	)
	if err := r.Scan(append([]any{&c.ID, &c.UserID, &c.Label, &kind, &c.Color}, m.dest()...)...); err != nil {
		return core.Category{}, fmt.Errorf("scan category: %w", err)
	}
	c.Kind = core.CategoryKind(kind)
	meta, err := m.meta()
	if err != nil {
		return core.Category{}, err
	}
	c.Meta = meta
	return c, nil
}

func scanBudget(r scanner) (core.Budget, error) {
	var (
		b      core.Budget
		status string
		m      metaColumns
	)
	if err := r.Scan(append([]any{&b.ID, &b.UserID, &b.Name, &b.Total.Cents, &b.Month, &b.Year, &status}, m.dest()...)...); err != nil {
		return core.Budget{}, fmt.Errorf("scan budget: %w", err)
	}
	b.Status = core.BudgetStatus(status)
	meta, err := m.meta()
	if err != nil {
		return core.Budget{}, err
	}
	b.Meta = meta
	return b, nil
}

func scanAllocation(r scanner) (core.Allocation, error) {
	var (
		a    core.Allocation
		date string
		m    metaColumns
	)
	if err := r.Scan(append([]any{&a.ID, &a.UserID, &a.BudgetID, &a.CategoryID, &a.Amount.Cents, &date, &a.Description}, m.dest()...)...); err != nil {
		return core.Allocation{}, fmt.Errorf("scan allocation: %w", err)
	}
	d, err := parseDate(date)
	if err != nil {
		return core.Allocation{}, err
	}
	a.Date = d
	meta, err := m.meta()
	if err != nil {
		return core.Allocation{}, err
	}
	a.Meta = meta
	return a, nil
}

func scanTransaction(r scanner) (core.Transaction, error) {
	var (
		t        core.Transaction
		typ      string
		budgetID sql.NullString
		date     string
		m        metaColumns
	)
	if err := r.Scan(append([]any{&t.ID, &t.UserID, &typ, &t.Amount.Cents, &t.CategoryID, &budgetID, &date, &t.Description, &t.PaymentMethod}, m.dest()...)...); err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	t.Type = core.TransactionType(typ)
	t.BudgetID = budgetID.String
	d, err := parseDate(date)
	if err != nil {
		return core.Transaction{}, err
	}
	t.Date = d
	meta, err := m.meta()
	if err != nil {
		return core.Transaction{}, err
	}
	t.Meta = meta
	return t, nil
}

// lookups used inside write transactions; they ignore soft deletion so the
// caller can tell a missing record from a deleted one.

func (s *SQLStore) lockCategory(ctx context.Context, q querier, userID, id string) (*core.Category, error) {
	return queryOne(ctx, s, q, scanCategory,
		"SELECT "+categoryColumns+" FROM categories WHERE id = ? AND user_id = ?"+s.forUpdate(), id, userID)
}

func (s *SQLStore) lockBudget(ctx context.Context, q querier, userID, id string) (*core.Budget, error) {
	return queryOne(ctx, s, q, scanBudget,
		"SELECT "+budgetColumns+" FROM budgets WHERE id = ? AND user_id = ?"+s.forUpdate(), id, userID)
}

func (s *SQLStore) lockAllocation(ctx context.Context, q querier, userID, id string) (*core.Allocation, error) {
	return queryOne(ctx, s, q, scanAllocation,
		"SELECT "+allocationColumns+" FROM allocations WHERE id = ? AND user_id = ?"+s.forUpdate(), id, userID)
}

func (s *SQLStore) lockTransaction(ctx context.Context, q querier, userID, id string) (*core.Transaction, error) {
	return queryOne(ctx, s, q, scanTransaction,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ? AND user_id = ?"+s.forUpdate(), id, userID)
}

func (s *SQLStore) exists(ctx context.Context, q querier, table string, kind core.Kind, id string) error {
	n, err := s.count(ctx, q, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("%s %s already exists", kind, id))
	}
	return nil
}

func (s *SQLStore) allocated(ctx context.Context, q querier, budgetID string) (core.Money, error) {
	var sum int64
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT CAST(COALESCE(SUM(amount_cents), 0) AS BIGINT) FROM allocations WHERE budget_id = ? AND deleted_at IS NULL"),
		budgetID).Scan(&sum)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum allocations: %w", err)
	}
	return core.Money{Cents: sum}, nil
}

func (s *SQLStore) liveBudget(ctx context.Context, q querier, userID, id string) (*core.Budget, error) {
	b, err := s.lockBudget(ctx, q, userID, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckLiveBudget(b, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLStore) checkLiveCategory(ctx context.Context, q querier, userID, id string) error {
	c, err := s.lockCategory(ctx, q, userID, id)
	if err != nil {
		return err
	}
	return ledger.CheckLiveCategory(c, id)
}

func (s *SQLStore) checkLinkedBudgetOpen(ctx context.Context, q querier, userID, budgetID string) error {
	if budgetID == "" {
		return nil
	}
	b, err := s.lockBudget(ctx, q, userID, budgetID)
	if err != nil {
		return err
	}
	if b == nil || b.IsDeleted() {
		return nil
	}
	return ledger.CheckBudgetOpen(*b)
}

func logCommit(ctx context.Context, op string, e core.Entity) {
	slog.DebugContext(ctx, "Ledger write committed",
		"operation", op,
		"entity_kind", string(e.EntityKind()),
		"entity_id", e.EntityID(),
		"version", e.Metadata().Version)
}

// Categories

func (s *SQLStore) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if c.ID == "" {
		c.ID = core.NewID()
	}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		if err := s.exists(ctx, q, "categories", core.KindCategory, c.ID); err != nil {
			return err
		}
		c.Meta = ledger.Committed(core.Meta{}, s.now())
		return s.exec(ctx, q,
			"INSERT INTO categories ("+categoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			append([]any{c.ID, c.UserID, c.Label, string(c.Kind), c.Color}, metaArgs(c.Meta)...)...)
	})
	if err != nil {
		return core.Category{}, err
	}
	logCommit(ctx, "create", c)
	return c, nil
}

func (s *SQLStore) DeleteCategory(ctx context.Context, userID, id string, expectedVersion int64) (core.Category, error) {
	var out core.Category
	err := s.withTx(ctx, func(q querier) error {
		c, err := s.lockCategory(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if c == nil || c.IsDeleted() {
			return apperrors.ErrCategoryNotFound
		}
		if err := ledger.CheckVersion(core.KindCategory, id, c.Version, expectedVersion); err != nil {
			return err
		}
		for _, table := range []string{"transactions", "allocations"} {
			n, err := s.count(ctx, q, "SELECT COUNT(*) FROM "+table+" WHERE category_id = ? AND deleted_at IS NULL", id)
			if err != nil {
				return err
			}
			if n > 0 {
				return apperrors.Wrap(apperrors.ErrCategoryInUse, fmt.Errorf("%d live %s", n, table))
			}
		}
		out = *c
		out.Meta = ledger.Deleted(c.Meta, s.now())
		return s.exec(ctx, q,
			"UPDATE categories SET updated_at = ?, deleted_at = ?, version = ? WHERE id = ?",
			formatTime(out.UpdatedAt), nullTime(out.DeletedAt), out.Version, id)
	})
	if err != nil {
		return core.Category{}, err
	}
	logCommit(ctx, "delete", out)
	return out, nil
}

func (s *SQLStore) GetCategory(ctx context.Context, userID, id string) (core.Category, error) {
	c, err := queryOne(ctx, s, s.db, scanCategory,
		"SELECT "+categoryColumns+" FROM categories WHERE id = ? AND user_id = ? AND deleted_at IS NULL", id, userID)
	if err != nil {
		return core.Category{}, err
	}
	if c == nil {
		return core.Category{}, apperrors.ErrCategoryNotFound
	}
	return *c, nil
}

func (s *SQLStore) ListCategories(ctx context.Context, userID string) ([]core.Category, error) {
	return queryRows(ctx, s, s.db, scanCategory,
		"SELECT "+categoryColumns+" FROM categories WHERE user_id = ? AND deleted_at IS NULL ORDER BY label, id", userID)
}

// Budgets

func (s *SQLStore) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if b.ID == "" {
		b.ID = core.NewID()
	}
	if b.Status == "" {
		b.Status = core.BudgetActive
	}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		if err := s.exists(ctx, q, "budgets", core.KindBudget, b.ID); err != nil {
			return err
		}
		b.Meta = ledger.Committed(core.Meta{}, s.now())
		return s.exec(ctx, q,
			"INSERT INTO budgets ("+budgetColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			append([]any{b.ID, b.UserID, b.Name, b.Total.Cents, b.Month, b.Year, string(b.Status)}, metaArgs(b.Meta)...)...)
	})
	if err != nil {
		return core.Budget{}, err
	}
	logCommit(ctx, "create", b)
	return b, nil
}

func (s *SQLStore) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		stored, err := s.lockBudget(ctx, q, b.UserID, b.ID)
		if err != nil {
			return err
		}
		if stored == nil || stored.IsDeleted() {
			return apperrors.ErrBudgetNotFound
		}
		allocated, err := s.allocated(ctx, q, b.ID)
		if err != nil {
			return err
		}
		if err := ledger.CheckBudgetUpdate(*stored, b, allocated); err != nil {
			return err
		}
		b.Meta = ledger.Committed(stored.Meta, s.now())
		return s.exec(ctx, q,
			"UPDATE budgets SET name = ?, total_cents = ?, month = ?, year = ?, status = ?, updated_at = ?, version = ? WHERE id = ?",
			b.Name, b.Total.Cents, b.Month, b.Year, string(b.Status), formatTime(b.UpdatedAt), b.Version, b.ID)
	})
	if err != nil {
		return core.Budget{}, err
	}
	logCommit(ctx, "update", b)
	return b, nil
}

func (s *SQLStore) DeleteBudget(ctx context.Context, userID, id string, expectedVersion int64) (core.Budget, error) {
	var out core.Budget
	err := s.withTx(ctx, func(q querier) error {
		b, err := s.lockBudget(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if b == nil || b.IsDeleted() {
			return apperrors.ErrBudgetNotFound
		}
		if err := ledger.CheckVersion(core.KindBudget, id, b.Version, expectedVersion); err != nil {
			return err
		}
		if err := ledger.CheckBudgetOpen(*b); err != nil {
			return err
		}
		ts := s.now()
		now := formatTime(ts)
		if err := s.exec(ctx, q,
			"UPDATE allocations SET updated_at = ?, deleted_at = ?, version = version + 1 WHERE budget_id = ? AND deleted_at IS NULL",
			now, now, id); err != nil {
			return err
		}
		if err := s.exec(ctx, q,
			"UPDATE transactions SET budget_id = NULL, updated_at = ?, version = version + 1 WHERE budget_id = ? AND deleted_at IS NULL",
			now, id); err != nil {
			return err
		}
		out = *b
		out.Meta = ledger.Deleted(b.Meta, ts)
		return s.exec(ctx, q,
			"UPDATE budgets SET updated_at = ?, deleted_at = ?, version = ? WHERE id = ?",
			formatTime(out.UpdatedAt), nullTime(out.DeletedAt), out.Version, id)
	})
	if err != nil {
		return core.Budget{}, err
	}
	logCommit(ctx, "delete", out)
	return out, nil
}

func (s *SQLStore) GetBudget(ctx context.Context, userID, id string) (core.Budget, error) {
	b, err := queryOne(ctx, s, s.db, scanBudget,
		"SELECT "+budgetColumns+" FROM budgets WHERE id = ? AND user_id = ? AND deleted_at IS NULL", id, userID)
	if err != nil {
		return core.Budget{}, err
	}
	if b == nil {
		return core.Budget{}, apperrors.ErrBudgetNotFound
	}
	return *b, nil
}

func (s *SQLStore) ListBudgets(ctx context.Context, userID string, filter ledger.BudgetFilter) ([]core.Budget, error) {
	w := &where{}
	w.add("user_id = ?", userID)
	w.add("deleted_at IS NULL")
	w.in("id", filter.IDs)
	if filter.Month != 0 {
		w.add("month = ?", filter.Month)
	}
	if filter.Year != 0 {
		w.add("year = ?", filter.Year)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	return queryRows(ctx, s, s.db, scanBudget,
		"SELECT "+budgetColumns+" FROM budgets"+w.String()+" ORDER BY year, month, name, id", w.args...)
}

// Allocations

func (s *SQLStore) CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error) {
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if err := a.Validate(); err != nil {
		return core.Allocation{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		if err := s.exists(ctx, q, "allocations", core.KindAllocation, a.ID); err != nil {
			return err
		}
		b, err := s.liveBudget(ctx, q, a.UserID, a.BudgetID)
		if err != nil {
			return err
		}
		if err := s.checkLiveCategory(ctx, q, a.UserID, a.CategoryID); err != nil {
			return err
		}
		allocated, err := s.allocated(ctx, q, b.ID)
		if err != nil {
			return err
		}
		if err := ledger.CheckAllocationFits(*b, allocated, a.Amount); err != nil {
			return err
		}
		a.Meta = ledger.Committed(core.Meta{}, s.now())
		return s.exec(ctx, q,
			"INSERT INTO allocations ("+allocationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			append([]any{a.ID, a.UserID, a.BudgetID, a.CategoryID, a.Amount.Cents, a.Date.String(), a.Description}, metaArgs(a.Meta)...)...)
	})
	if err != nil {
		return core.Allocation{}, err
	}
	logCommit(ctx, "create", a)
	return a, nil
}

func (s *SQLStore) DeleteAllocation(ctx context.Context, userID, id string, expectedVersion int64) (core.Allocation, error) {
	var out core.Allocation
	err := s.withTx(ctx, func(q querier) error {
		a, err := s.lockAllocation(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if a == nil || a.IsDeleted() {
			return apperrors.ErrAllocationNotFound
		}
		if err := ledger.CheckVersion(core.KindAllocation, id, a.Version, expectedVersion); err != nil {
			return err
		}
		if err := s.checkLinkedBudgetOpen(ctx, q, userID, a.BudgetID); err != nil {
			return err
		}
		out = *a
		out.Meta = ledger.Deleted(a.Meta, s.now())
		return s.exec(ctx, q,
			"UPDATE allocations SET updated_at = ?, deleted_at = ?, version = ? WHERE id = ?",
			formatTime(out.UpdatedAt), nullTime(out.DeletedAt), out.Version, id)
	})
	if err != nil {
		return core.Allocation{}, err
	}
	logCommit(ctx, "delete", out)
	return out, nil
}

func (s *SQLStore) GetAllocation(ctx context.Context, userID, id string) (core.Allocation, error) {
	a, err := queryOne(ctx, s, s.db, scanAllocation,
		"SELECT "+allocationColumns+" FROM allocations WHERE id = ? AND user_id = ? AND deleted_at IS NULL", id, userID)
	if err != nil {
		return core.Allocation{}, err
	}
	if a == nil {
		return core.Allocation{}, apperrors.ErrAllocationNotFound
	}
	return *a, nil
}

func (s *SQLStore) ListAllocations(ctx context.Context, userID string, filter ledger.AllocationFilter) ([]core.Allocation, error) {
	w := &where{}
	w.add("user_id = ?", userID)
	w.add("deleted_at IS NULL")
	if filter.BudgetID != "" {
		w.add("budget_id = ?", filter.BudgetID)
	}
	if filter.CategoryID != "" {
		w.add("category_id = ?", filter.CategoryID)
	}
	return queryRows(ctx, s, s.db, scanAllocation,
		"SELECT "+allocationColumns+" FROM allocations"+w.String()+" ORDER BY date, id", w.args...)
}

// Transactions

func (s *SQLStore) checkTransactionRefs(ctx context.Context, q querier, t core.Transaction) error {
	if err := s.checkLiveCategory(ctx, q, t.UserID, t.CategoryID); err != nil {
		return err
	}
	if t.BudgetID == "" {
		return nil
	}
	_, err := s.liveBudget(ctx, q, t.UserID, t.BudgetID)
	return err
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.ID == "" {
		t.ID = core.NewID()
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		if err := s.exists(ctx, q, "transactions", core.KindTransaction, t.ID); err != nil {
			return err
		}
		if err := s.checkTransactionRefs(ctx, q, t); err != nil {
			return err
		}
		t.Meta = ledger.Committed(core.Meta{}, s.now())
		return s.exec(ctx, q,
			"INSERT INTO transactions ("+transactionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			append([]any{t.ID, t.UserID, string(t.Type), t.Amount.Cents, t.CategoryID, nullString(t.BudgetID),
				t.Date.String(), t.Description, t.PaymentMethod}, metaArgs(t.Meta)...)...)
	})
	if err != nil {
		return core.Transaction{}, err
	}
	logCommit(ctx, "create", t)
	return t, nil
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	err := s.withTx(ctx, func(q querier) error {
		stored, err := s.lockTransaction(ctx, q, t.UserID, t.ID)
		if err != nil {
			return err
		}
		if stored == nil || stored.IsDeleted() {
			return apperrors.ErrTransactionNotFound
		}
		if err := ledger.CheckVersion(core.KindTransaction, t.ID, stored.Version, t.Version); err != nil {
			return err
		}
		if err := s.checkLinkedBudgetOpen(ctx, q, t.UserID, stored.BudgetID); err != nil {
			return err
		}
		if err := s.checkTransactionRefs(ctx, q, t); err != nil {
			return err
		}
		t.Meta = ledger.Committed(stored.Meta, s.now())
		return s.exec(ctx, q,
			"UPDATE transactions SET type = ?, amount_cents = ?, category_id = ?, budget_id = ?, date = ?, description = ?, payment_method = ?, updated_at = ?, version = ? WHERE id = ?",
			string(t.Type), t.Amount.Cents, t.CategoryID, nullString(t.BudgetID), t.Date.String(),
			t.Description, t.PaymentMethod, formatTime(t.UpdatedAt), t.Version, t.ID)
	})
	if err != nil {
		return core.Transaction{}, err
	}
	logCommit(ctx, "update", t)
	return t, nil
}

func (s *SQLStore) DeleteTransaction(ctx context.Context, userID, id string, expectedVersion int64) (core.Transaction, error) {
	var out core.Transaction
	err := s.withTx(ctx, func(q querier) error {
		t, err := s.lockTransaction(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if t == nil || t.IsDeleted() {
			return apperrors.ErrTransactionNotFound
		}
		if err := ledger.CheckVersion(core.KindTransaction, id, t.Version, expectedVersion); err != nil {
			return err
		}
		if err := s.checkLinkedBudgetOpen(ctx, q, userID, t.BudgetID); err != nil {
			return err
		}
		out = *t
		out.Meta = ledger.Deleted(t.Meta, s.now())
		return s.exec(ctx, q,
			"UPDATE transactions SET updated_at = ?, deleted_at = ?, version = ? WHERE id = ?",
			formatTime(out.UpdatedAt), nullTime(out.DeletedAt), out.Version, id)
	})
	if err != nil {
		return core.Transaction{}, err
	}
	logCommit(ctx, "delete", out)
	return out, nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, userID, id string) (core.Transaction, error) {
	t, err := queryOne(ctx, s, s.db, scanTransaction,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ? AND user_id = ? AND deleted_at IS NULL", id, userID)
	if err != nil {
		return core.Transaction{}, err
	}
	if t == nil {
		return core.Transaction{}, apperrors.ErrTransactionNotFound
	}
	return *t, nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, userID string, filter ledger.TransactionFilter) ([]core.Transaction, error) {
	w := &where{}
	w.add("user_id = ?", userID)
	w.add("deleted_at IS NULL")
	w.in("id", filter.IDs)
	if !filter.From.IsZero() {
		w.add("date >= ?", filter.From.Format(time.DateOnly))
	}
	if !filter.To.IsZero() {
		w.add("date <= ?", filter.To.Format(time.DateOnly))
	}
	if filter.CategoryID != "" {
		w.add("category_id = ?", filter.CategoryID)
	}
	if filter.BudgetID != "" {
		w.add("budget_id = ?", filter.BudgetID)
	}
	return queryRows(ctx, s, s.db, scanTransaction,
		"SELECT "+transactionColumns+" FROM transactions"+w.String()+" ORDER BY date, id", w.args...)
}

// ChangesSince replays committed writes of every user after since.
func (s *SQLStore) ChangesSince(ctx context.Context, since time.Time, limit int) ([]core.Entity, error) {
	after := formatTime(since)
	var out []core.Entity
	cats, err := queryRows(ctx, s, s.db, scanCategory,
		"SELECT "+categoryColumns+" FROM categories WHERE updated_at > ?", after)
	if err != nil {
		return nil, err
	}
	for _, c := range cats {
		out = append(out, c)
	}
	budgets, err := queryRows(ctx, s, s.db, scanBudget,
		"SELECT "+budgetColumns+" FROM budgets WHERE updated_at > ?", after)
	if err != nil {
		return nil, err
	}
	for _, b := range budgets {
		out = append(out, b)
	}
	allocs, err := queryRows(ctx, s, s.db, scanAllocation,
		"SELECT "+allocationColumns+" FROM allocations WHERE updated_at > ?", after)
	if err != nil {
		return nil, err
	}
	for _, a := range allocs {
		out = append(out, a)
	}
	txs, err := queryRows(ctx, s, s.db, scanTransaction,
		"SELECT "+transactionColumns+" FROM transactions WHERE updated_at > ?", after)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Metadata(), out[j].Metadata()
		if !mi.UpdatedAt.Equal(mj.UpdatedAt) {
			return mi.UpdatedAt.Before(mj.UpdatedAt)
		}
		return out[i].EntityID() < out[j].EntityID()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
