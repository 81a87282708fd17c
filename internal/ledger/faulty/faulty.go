// Package faulty wraps a ledger.Store and makes its writes fail with
// transient errors on demand. It stands in for a flaky network link in
// tests and behind the ledgerctl --flaky flag.
package faulty

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/ledger"
)

// ErrUnavailable is the raw failure injected into writes.
var ErrUnavailable = errors.New("connection refused")

type Store struct {
	ledger.Store

	mu       sync.Mutex
	failNext int
	rate     float64
	rnd      *rand.Rand
	offline  bool
	calls    int
	hook     func(op string)
}

// Wrap returns a Store that forwards to inner until told to fail.
func Wrap(inner ledger.Store) *Store {
	return &Store{Store: inner, rnd: rand.New(rand.NewSource(1))}
}

// FailNext makes the next n writes fail.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetFailureRate makes each write fail with probability p.
func (s *Store) SetFailureRate(p float64, seed int64) {
	s.mu.Lock()
	s.rate = p
	s.rnd = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// SetOffline fails every call, reads included, until reset.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// OnWrite registers fn to run before each write reaches the inner store.
func (s *Store) OnWrite(fn func(op string)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// Writes returns how many writes were attempted.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Store) write(op string) error {
	s.mu.Lock()
	s.calls++
	hook := s.hook
	fail := s.offline
	if !fail && s.failNext > 0 {
		s.failNext--
		fail = true
	}
	if !fail && s.rate > 0 && s.rnd.Float64() < s.rate {
		fail = true
	}
	s.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if fail {
		return apperrors.Classify(ErrUnavailable)
	}
	return nil
}

func (s *Store) read() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return apperrors.Classify(ErrUnavailable)
	}
	return nil
}

func (s *Store) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if err := s.write("create_category"); err != nil {
		return core.Category{}, err
	}
	return s.Store.CreateCategory(ctx, c)
}

func (s *Store) DeleteCategory(ctx context.Context, userID, id string, v int64) (core.Category, error) {
	if err := s.write("delete_category"); err != nil {
		return core.Category{}, err
	}
	return s.Store.DeleteCategory(ctx, userID, id, v)
}

func (s *Store) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := s.write("create_budget"); err != nil {
		return core.Budget{}, err
	}
	return s.Store.CreateBudget(ctx, b)
}

func (s *Store) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := s.write("update_budget"); err != nil {
		return core.Budget{}, err
	}
	return s.Store.UpdateBudget(ctx, b)
}

func (s *Store) DeleteBudget(ctx context.Context, userID, id string, v int64) (core.Budget, error) {
	if err := s.write("delete_budget"); err != nil {
		return core.Budget{}, err
	}
	return s.Store.DeleteBudget(ctx, userID, id, v)
}

func (s *Store) CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error) {
	if err := s.write("create_allocation"); err != nil {
		return core.Allocation{}, err
	}
	return s.Store.CreateAllocation(ctx, a)
}

func (s *Store) DeleteAllocation(ctx context.Context, userID, id string, v int64) (core.Allocation, error) {
	if err := s.write("delete_allocation"); err != nil {
		return core.Allocation{}, err
	}
	return s.Store.DeleteAllocation(ctx, userID, id, v)
}

func (s *Store) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := s.write("create_transaction"); err != nil {
		return core.Transaction{}, err
	}
	return s.Store.CreateTransaction(ctx, t)
}

func (s *Store) UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := s.write("update_transaction"); err != nil {
		return core.Transaction{}, err
	}
	return s.Store.UpdateTransaction(ctx, t)
}

func (s *Store) DeleteTransaction(ctx context.Context, userID, id string, v int64) (core.Transaction, error) {
	if err := s.write("delete_transaction"); err != nil {
		return core.Transaction{}, err
	}
	return s.Store.DeleteTransaction(ctx, userID, id, v)
}

func (s *Store) GetBudget(ctx context.Context, userID, id string) (core.Budget, error) {
	if err := s.read(); err != nil {
		return core.Budget{}, err
	}
	return s.Store.GetBudget(ctx, userID, id)
}

func (s *Store) ListBudgets(ctx context.Context, userID string, f ledger.BudgetFilter) ([]core.Budget, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.Store.ListBudgets(ctx, userID, f)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, f ledger.TransactionFilter) ([]core.Transaction, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.Store.ListTransactions(ctx, userID, f)
}

func (s *Store) ListAllocations(ctx context.Context, userID string, f ledger.AllocationFilter) ([]core.Allocation, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.Store.ListAllocations(ctx, userID, f)
}

func (s *Store) ListCategories(ctx context.Context, userID string) ([]core.Category, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.Store.ListCategories(ctx, userID)
}

func (s *Store) GetCategory(ctx context.Context, userID, id string) (core.Category, error) {
	if err := s.read(); err != nil {
		return core.Category{}, err
	}
	return s.Store.GetCategory(ctx, userID, id)
}

func (s *Store) GetAllocation(ctx context.Context, userID, id string) (core.Allocation, error) {
	if err := s.read(); err != nil {
		return core.Allocation{}, err
	}
	return s.Store.GetAllocation(ctx, userID, id)
}

func (s *Store) GetTransaction(ctx context.Context, userID, id string) (core.Transaction, error) {
	if err := s.read(); err != nil {
		return core.Transaction{}, err
	}
	return s.Store.GetTransaction(ctx, userID, id)
}
