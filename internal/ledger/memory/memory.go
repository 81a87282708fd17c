// Package memory is an in-process ledger.Store. It backs the memory data
// backend and the tests of every package that talks to a ledger.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/ledger"
)

type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	categories   map[string]core.Category
	budgets      map[string]core.Budget
	allocations  map[string]core.Allocation
	transactions map[string]core.Transaction
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		categories:   make(map[string]core.Category),
		budgets:      make(map[string]core.Budget),
		allocations:  make(map[string]core.Allocation),
		transactions: make(map[string]core.Transaction),
	}
}

// SetClock replaces the time source used for server-assigned timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateCategory(_ context.Context, c core.Category) (core.Category, error) {
	if c.ID == "" {
		c.ID = core.NewID()
	}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.categories[c.ID]; exists {
		return core.Category{}, duplicate(core.KindCategory, c.ID)
	}
	c.Meta = ledger.Committed(core.Meta{}, s.now())
	s.categories[c.ID] = c
	return c, nil
}

func (s *Store) DeleteCategory(_ context.Context, userID, id string, expectedVersion int64) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok || c.UserID != userID || c.IsDeleted() {
		return core.Category{}, apperrors.ErrCategoryNotFound
	}
	if err := ledger.CheckVersion(core.KindCategory, id, c.Version, expectedVersion); err != nil {
		return core.Category{}, err
	}
	for _, t := range s.transactions {
		if t.CategoryID == id && !t.IsDeleted() {
			return core.Category{}, apperrors.Wrap(apperrors.ErrCategoryInUse, fmt.Errorf("transaction %s", t.ID))
		}
	}
	for _, a := range s.allocations {
		if a.CategoryID == id && !a.IsDeleted() {
			return core.Category{}, apperrors.Wrap(apperrors.ErrCategoryInUse, fmt.Errorf("allocation %s", a.ID))
		}
	}
	c.Meta = ledger.Deleted(c.Meta, s.now())
	s.categories[id] = c
	return c, nil
}

func (s *Store) GetCategory(_ context.Context, userID, id string) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok || c.UserID != userID || c.IsDeleted() {
		return core.Category{}, apperrors.ErrCategoryNotFound
	}
	return c, nil
}

func (s *Store) ListCategories(_ context.Context, userID string) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Category
	for _, c := range s.categories {
		if c.UserID == userID && !c.IsDeleted() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *Store) CreateBudget(_ context.Context, b core.Budget) (core.Budget, error) {
	if b.ID == "" {
		b.ID = core.NewID()
	}
	if b.Status == "" {
		b.Status = core.BudgetActive
	}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.budgets[b.ID]; exists {
		return core.Budget{}, duplicate(core.KindBudget, b.ID)
	}
	b.Meta = ledger.Committed(core.Meta{}, s.now())
	s.budgets[b.ID] = b
	return b, nil
}

func (s *Store) UpdateBudget(_ context.Context, b core.Budget) (core.Budget, error) {
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.budgets[b.ID]
	if !ok || stored.UserID != b.UserID || stored.IsDeleted() {
		return core.Budget{}, apperrors.ErrBudgetNotFound
	}
	if err := ledger.CheckBudgetUpdate(stored, b, s.allocatedLocked(b.ID)); err != nil {
		return core.Budget{}, err
	}
	b.Meta = ledger.Committed(stored.Meta, s.now())
	s.budgets[b.ID] = b
	return b, nil
}

func (s *Store) DeleteBudget(_ context.Context, userID, id string, expectedVersion int64) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok || b.UserID != userID || b.IsDeleted() {
		return core.Budget{}, apperrors.ErrBudgetNotFound
	}
	if err := ledger.CheckVersion(core.KindBudget, id, b.Version, expectedVersion); err != nil {
		return core.Budget{}, err
	}
	if err := ledger.CheckBudgetOpen(b); err != nil {
		return core.Budget{}, err
	}
	now := s.now()
	for aid, a := range s.allocations {
		if a.BudgetID == id && !a.IsDeleted() {
			a.Meta = ledger.Deleted(a.Meta, now)
			s.allocations[aid] = a
		}
	}
	for tid, t := range s.transactions {
		if t.BudgetID == id && !t.IsDeleted() {
			t.BudgetID = ""
			t.Meta = ledger.Committed(t.Meta, now)
			s.transactions[tid] = t
		}
	}
	b.Meta = ledger.Deleted(b.Meta, now)
	s.budgets[id] = b
	return b, nil
}

func (s *Store) GetBudget(_ context.Context, userID, id string) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok || b.UserID != userID || b.IsDeleted() {
		return core.Budget{}, apperrors.ErrBudgetNotFound
	}
	return b, nil
}

func (s *Store) ListBudgets(_ context.Context, userID string, filter ledger.BudgetFilter) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Budget
	for _, b := range s.budgets {
		if b.UserID == userID && !b.IsDeleted() && filter.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) CreateAllocation(_ context.Context, a core.Allocation) (core.Allocation, error) {
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if err := a.Validate(); err != nil {
		return core.Allocation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.allocations[a.ID]; exists {
		return core.Allocation{}, duplicate(core.KindAllocation, a.ID)
	}
	b, err := s.liveBudgetLocked(a.UserID, a.BudgetID)
	if err != nil {
		return core.Allocation{}, err
	}
	if err := ledger.CheckLiveCategory(s.liveCategoryLocked(a.UserID, a.CategoryID), a.CategoryID); err != nil {
		return core.Allocation{}, err
	}
	if err := ledger.CheckAllocationFits(*b, s.allocatedLocked(b.ID), a.Amount); err != nil {
		return core.Allocation{}, err
	}
	a.Meta = ledger.Committed(core.Meta{}, s.now())
	s.allocations[a.ID] = a
	return a, nil
}

func (s *Store) DeleteAllocation(_ context.Context, userID, id string, expectedVersion int64) (core.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok || a.UserID != userID || a.IsDeleted() {
		return core.Allocation{}, apperrors.ErrAllocationNotFound
	}
	if err := ledger.CheckVersion(core.KindAllocation, id, a.Version, expectedVersion); err != nil {
		return core.Allocation{}, err
	}
	if b, ok := s.budgets[a.BudgetID]; ok {
		if err := ledger.CheckBudgetOpen(b); err != nil {
			return core.Allocation{}, err
		}
	}
	a.Meta = ledger.Deleted(a.Meta, s.now())
	s.allocations[id] = a
	return a, nil
}

func (s *Store) GetAllocation(_ context.Context, userID, id string) (core.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok || a.UserID != userID || a.IsDeleted() {
		return core.Allocation{}, apperrors.ErrAllocationNotFound
	}
	return a, nil
}

func (s *Store) ListAllocations(_ context.Context, userID string, filter ledger.AllocationFilter) ([]core.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Allocation
	for _, a := range s.allocations {
		if a.UserID == userID && !a.IsDeleted() && filter.Match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date.Time) {
			return out[i].Date.Before(out[j].Date.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateTransaction(_ context.Context, t core.Transaction) (core.Transaction, error) {
	if t.ID == "" {
		t.ID = core.NewID()
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[t.ID]; exists {
		return core.Transaction{}, duplicate(core.KindTransaction, t.ID)
	}
	if err := s.checkTransactionRefsLocked(t); err != nil {
		return core.Transaction{}, err
	}
	t.Meta = ledger.Committed(core.Meta{}, s.now())
	s.transactions[t.ID] = t
	return t, nil
}

func (s *Store) UpdateTransaction(_ context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.transactions[t.ID]
	if !ok || stored.UserID != t.UserID || stored.IsDeleted() {
		return core.Transaction{}, apperrors.ErrTransactionNotFound
	}
	if err := ledger.CheckVersion(core.KindTransaction, t.ID, stored.Version, t.Version); err != nil {
		return core.Transaction{}, err
	}
	if err := s.checkLinkedBudgetOpenLocked(stored.BudgetID); err != nil {
		return core.Transaction{}, err
	}
	if err := s.checkTransactionRefsLocked(t); err != nil {
		return core.Transaction{}, err
	}
	t.Meta = ledger.Committed(stored.Meta, s.now())
	s.transactions[t.ID] = t
	return t, nil
}

func (s *Store) DeleteTransaction(_ context.Context, userID, id string, expectedVersion int64) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok || t.UserID != userID || t.IsDeleted() {
		return core.Transaction{}, apperrors.ErrTransactionNotFound
	}
	if err := ledger.CheckVersion(core.KindTransaction, id, t.Version, expectedVersion); err != nil {
		return core.Transaction{}, err
	}
	if err := s.checkLinkedBudgetOpenLocked(t.BudgetID); err != nil {
		return core.Transaction{}, err
	}
	t.Meta = ledger.Deleted(t.Meta, s.now())
	s.transactions[id] = t
	return t, nil
}

func (s *Store) GetTransaction(_ context.Context, userID, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok || t.UserID != userID || t.IsDeleted() {
		return core.Transaction{}, apperrors.ErrTransactionNotFound
	}
	return t, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string, filter ledger.TransactionFilter) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, t := range s.transactions {
		if t.UserID == userID && !t.IsDeleted() && filter.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date.Time) {
			return out[i].Date.Before(out[j].Date.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) checkTransactionRefsLocked(t core.Transaction) error {
	if err := ledger.CheckLiveCategory(s.liveCategoryLocked(t.UserID, t.CategoryID), t.CategoryID); err != nil {
		return err
	}
	if t.BudgetID == "" {
		return nil
	}
	_, err := s.liveBudgetLocked(t.UserID, t.BudgetID)
	return err
}

func (s *Store) checkLinkedBudgetOpenLocked(budgetID string) error {
	if budgetID == "" {
		return nil
	}
	if b, ok := s.budgets[budgetID]; ok && !b.IsDeleted() {
		return ledger.CheckBudgetOpen(b)
	}
	return nil
}

func (s *Store) liveBudgetLocked(userID, id string) (*core.Budget, error) {
	var ref *core.Budget
	if b, ok := s.budgets[id]; ok && b.UserID == userID {
		ref = &b
	}
	if err := ledger.CheckLiveBudget(ref, id); err != nil {
		return nil, err
	}
	return ref, nil
}

func (s *Store) liveCategoryLocked(userID, id string) *core.Category {
	if c, ok := s.categories[id]; ok && c.UserID == userID {
		return &c
	}
	return nil
}

func (s *Store) allocatedLocked(budgetID string) core.Money {
	var sum core.Money
	for _, a := range s.allocations {
		if a.BudgetID == budgetID && !a.IsDeleted() {
			sum = sum.Add(a.Amount)
		}
	}
	return sum
}

func duplicate(kind core.Kind, id string) error {
	return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("%s %s already exists", kind, id))
}

var _ ledger.ChangeFeed = (*Store)(nil)

func (s *Store) ChangesSince(_ context.Context, since time.Time, limit int) ([]core.Entity, error) {
	s.mu.Lock()
	var out []core.Entity
	for _, c := range s.categories {
		if c.UpdatedAt.After(since) {
			out = append(out, c)
		}
	}
	for _, b := range s.budgets {
		if b.UpdatedAt.After(since) {
			out = append(out, b)
		}
	}
	for _, a := range s.allocations {
		if a.UpdatedAt.After(since) {
			out = append(out, a)
		}
	}
	for _, t := range s.transactions {
		if t.UpdatedAt.After(since) {
			out = append(out, t)
		}
	}
	s.mu.Unlock()

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
