package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/ledger"
	"ledgersync/internal/ledger/faulty"
	"ledgersync/internal/ledger/memory"
	"ledgersync/internal/testutil"
)

type fixture struct {
	mem      *memory.Store
	flaky    *faulty.Store
	cache    *cache.Store
	rec      *Reconciler
	budget   core.Budget
	category core.Category

	mu     sync.Mutex
	sleeps []time.Duration
	writes []string
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		MaxAttempts:  3,
		Concurrency:  4,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{mem: memory.New()}
	f.category = testutil.CreateTestCategory(t, f.mem, "groceries")
	f.budget = testutil.CreateTestBudget(t, f.mem, "January", 100000)
	f.flaky = faulty.Wrap(f.mem)
	f.flaky.OnWrite(func(op string) {
		f.mu.Lock()
		f.writes = append(f.writes, op)
		f.mu.Unlock()
	})

	f.cache = cache.NewStore(nil)
	f.cache.Load(ctx, core.KindCategory, []core.Entity{f.category})
	f.cache.Load(ctx, core.KindBudget, []core.Entity{f.budget})

	f.use(f.flaky, cfg)
	return f
}

// use points a fresh reconciler at store.
func (f *fixture) use(store ledger.Store, cfg Config) {
	f.rec = New(store, f.cache, testutil.TestUserID, cfg)
	f.rec.SetSleep(func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	})
}

func (f *fixture) enqueue(t *testing.T, op core.Op, e core.Entity) *Ticket {
	t.Helper()
	ticket, err := f.rec.Enqueue(context.Background(), cache.Mutation{Op: op, Entity: e})
	testutil.AssertNoError(t, err)
	return ticket
}

func (f *fixture) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func settled(t *testing.T, ticket *Ticket) (core.Entity, error) {
	t.Helper()
	select {
	case <-ticket.Done():
	default:
		t.Fatalf("ticket %d is still %s", ticket.Seq, ticket.State())
	}
	return ticket.Result()
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSameRecordWritesReachLedgerInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
	create := f.enqueue(t, core.OpCreate, tx)
	tx.Amount = core.Money{Cents: 2000}
	first := f.enqueue(t, core.OpUpdate, tx)
	tx.Amount = core.Money{Cents: 3000}
	second := f.enqueue(t, core.OpUpdate, tx)

	testutil.AssertNoError(t, f.rec.Drain(ctx))

	for i, ticket := range []*Ticket{create, first, second} {
		e, err := settled(t, ticket)
		testutil.AssertNoError(t, err)
		if ticket.State() != Committed {
			t.Fatalf("ticket %d: expected committed, got %s", i, ticket.State())
		}
		if v := e.Metadata().Version; v != int64(i+1) {
			t.Errorf("ticket %d: expected version %d, got %d", i, i+1, v)
		}
	}

	stored, err := f.mem.GetTransaction(ctx, testutil.TestUserID, tx.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertCents(t, "ledger amount", stored.Amount.Cents, 3000)

	entry, ok := f.cache.Get(core.KindTransaction, tx.ID)
	if !ok || entry.PendingSync || entry.Entity.Metadata().Version != 3 {
		t.Fatalf("expected settled cache entry at version 3, got %+v", entry)
	}

	want := []string{"create_transaction", "update_transaction", "update_transaction"}
	got := f.writeLog()
	if len(got) != len(want) {
		t.Fatalf("expected writes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected writes %v, got %v", want, got)
		}
	}
}

func TestIndependentRecordsSubmitConcurrently(t *testing.T) {
	f := newFixture(t, testConfig())

	const n = 4
	var (
		mu      sync.Mutex
		entered int
		all     = make(chan struct{})
	)
	f.flaky.OnWrite(func(string) {
		mu.Lock()
		entered++
		if entered == n {
			close(all)
		}
		mu.Unlock()
		select {
		case <-all:
		case <-time.After(2 * time.Second):
		}
	})

	tickets := make([]*Ticket, n)
	for i := range tickets {
		tickets[i] = f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, int64(100*(i+1))))
	}

	start := time.Now()
	testutil.AssertNoError(t, f.rec.Drain(context.Background()))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("writes did not overlap, drain took %v", elapsed)
	}
	for _, ticket := range tickets {
		if ticket.State() != Committed {
			t.Fatalf("expected committed, got %s", ticket.State())
		}
	}
}

func TestWriteWaitsForReferencedRecord(t *testing.T) {
	f := newFixture(t, testConfig())

	b := testutil.NewBudget("February", 50000)
	budgetTicket := f.enqueue(t, core.OpCreate, b)
	txTicket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, b.ID, 700))

	testutil.AssertNoError(t, f.rec.Drain(context.Background()))

	if budgetTicket.State() != Committed || txTicket.State() != Committed {
		_, err := txTicket.Result()
		t.Fatalf("expected both committed, got %s and %s (%v)", budgetTicket.State(), txTicket.State(), err)
	}
	got := f.writeLog()
	if len(got) != 2 || got[0] != "create_budget" || got[1] != "create_transaction" {
		t.Fatalf("expected budget before transaction, got %v", got)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	f.flaky.FailNext(2)

	ticket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 1500))
	testutil.AssertNoError(t, f.rec.Drain(context.Background()))

	_, err := settled(t, ticket)
	testutil.AssertNoError(t, err)
	if ticket.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", ticket.Attempts())
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Millisecond || f.sleeps[1] != 20*time.Millisecond {
		t.Errorf("unexpected backoff: %v", f.sleeps)
	}
	stats := f.rec.Stats()
	if stats.Committed != 1 || stats.Retries != 2 || stats.Queued != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRetryExhaustionRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.flaky.FailNext(10)

	tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1500)
	ticket := f.enqueue(t, core.OpCreate, tx)
	testutil.AssertNoError(t, f.rec.Drain(ctx))

	_, err := settled(t, ticket)
	testutil.AssertAppError(t, err, apperrors.ErrRetryExhausted.Code)
	if !errors.Is(err, apperrors.ErrTransient) {
		t.Errorf("expected the transient cause to be kept, got %v", err)
	}
	if ticket.State() != Rejected || ticket.Attempts() != 3 {
		t.Errorf("expected rejected after 3 attempts, got %s after %d", ticket.State(), ticket.Attempts())
	}
	if _, ok := f.cache.Get(core.KindTransaction, tx.ID); ok {
		t.Error("rolled back create should leave the cache")
	}
	if _, err := f.mem.GetTransaction(ctx, testutil.TestUserID, tx.ID); err == nil {
		t.Error("ledger should not hold the transaction")
	}
}

func TestRejectionWithdrawsLaterWritesOfSameRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	alloc := testutil.NewAllocation(f.budget.ID, f.category.ID, 150000)
	create := f.enqueue(t, core.OpCreate, alloc)
	del := f.enqueue(t, core.OpDelete, alloc)
	other := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 500))

	testutil.AssertNoError(t, f.rec.Drain(ctx))

	_, err := settled(t, create)
	testutil.AssertAppError(t, err, apperrors.ErrOverAllocation.Code)
	_, err = settled(t, del)
	testutil.AssertAppError(t, err, apperrors.ErrConflict.Code)
	if del.State() != Withdrawn || del.Attempts() != 0 {
		t.Errorf("expected withdrawn without submission, got %s after %d", del.State(), del.Attempts())
	}
	if other.State() != Committed {
		t.Errorf("unrelated write should commit, got %s", other.State())
	}
	if _, ok := f.cache.Get(core.KindAllocation, alloc.ID); ok {
		t.Error("rejected allocation should leave the cache")
	}
	if f.cache.PendingCount() != 0 {
		t.Errorf("expected no pending writes, got %d", f.cache.PendingCount())
	}
	stats := f.rec.Stats()
	if stats.Rejected != 1 || stats.Withdrawn != 1 || stats.Committed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestVersionConflictInvalidatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	tx := testutil.CreateTestExpense(t, f.mem, f.category.ID, f.budget.ID, 1000)
	f.cache.Load(ctx, core.KindTransaction, []core.Entity{tx})

	remote := tx
	remote.Amount = core.Money{Cents: 1200}
	_, err := f.mem.UpdateTransaction(ctx, remote)
	testutil.AssertNoError(t, err)

	local := tx
	local.Amount = core.Money{Cents: 900}
	ticket := f.enqueue(t, core.OpUpdate, local)
	testutil.AssertNoError(t, f.rec.Drain(ctx))

	_, err = settled(t, ticket)
	testutil.AssertAppError(t, err, apperrors.ErrVersionConflict.Code)
	if _, ok := f.cache.Get(core.KindTransaction, tx.ID); ok {
		t.Error("conflicting record should be dropped for refetch")
	}
	if f.cache.Loaded(core.KindTransaction) {
		t.Error("transactions should need a reload")
	}
	stored, err := f.mem.GetTransaction(ctx, testutil.TestUserID, tx.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertCents(t, "ledger amount", stored.Amount.Cents, 1200)
}

func TestClosedBudgetSurfacesAsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	closed := f.budget
	closed.Status = core.BudgetClosed
	_, err := f.mem.UpdateBudget(ctx, closed)
	testutil.AssertNoError(t, err)

	ticket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 500))
	testutil.AssertNoError(t, f.rec.Drain(ctx))

	_, err = settled(t, ticket)
	testutil.AssertAppError(t, err, apperrors.ErrConflict.Code)
	if !errors.Is(err, apperrors.ErrBudgetClosed) {
		t.Errorf("expected BUDGET_CLOSED cause, got %v", err)
	}
}

func TestWithdrawQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.rec.SetOnline(false)

	tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
	create := f.enqueue(t, core.OpCreate, tx)
	tx.Amount = core.Money{Cents: 2000}
	update := f.enqueue(t, core.OpUpdate, tx)

	testutil.AssertNoError(t, f.rec.Withdraw(ctx, create))

	for _, ticket := range []*Ticket{create, update} {
		_, err := settled(t, ticket)
		testutil.AssertAppError(t, err, apperrors.ErrWithdrawn.Code)
		if ticket.State() != Withdrawn {
			t.Errorf("expected withdrawn, got %s", ticket.State())
		}
	}
	if _, ok := f.cache.Get(core.KindTransaction, tx.ID); ok {
		t.Error("withdrawn create should leave the cache")
	}
	if len(f.rec.Pending()) != 0 {
		t.Errorf("queue should be empty, got %d", len(f.rec.Pending()))
	}

	testutil.AssertAppError(t, f.rec.Withdraw(ctx, create), apperrors.ErrConflict.Code)

	f.rec.SetOnline(true)
	testutil.AssertNoError(t, f.rec.Drain(ctx))
	if f.flaky.Writes() != 0 {
		t.Errorf("withdrawn writes reached the ledger: %v", f.writeLog())
	}
}

func TestWithdrawSubmittedFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	f.flaky.OnWrite(func(string) {
		close(entered)
		<-release
	})

	ticket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 1000))
	done := make(chan error, 1)
	go func() { done <- f.rec.Drain(ctx) }()

	<-entered
	testutil.AssertAppError(t, f.rec.Withdraw(ctx, ticket), apperrors.ErrConflict.Code)
	close(release)
	testutil.AssertNoError(t, <-done)

	if ticket.State() != Committed {
		t.Fatalf("expected committed, got %s", ticket.State())
	}
}

func TestOfflineKeepsWritesQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.rec.SetOnline(false)

	tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
	ticket := f.enqueue(t, core.OpCreate, tx)
	testutil.AssertNoError(t, f.rec.Drain(ctx))

	if ticket.State() != Queued || f.flaky.Writes() != 0 {
		t.Fatalf("offline drain should submit nothing, got %s with %d writes", ticket.State(), f.flaky.Writes())
	}
	if stats := f.rec.Stats(); stats.Queued != 1 {
		t.Errorf("expected 1 queued, got %+v", stats)
	}
	entry, ok := f.cache.Get(core.KindTransaction, tx.ID)
	if !ok || !entry.PendingSync {
		t.Fatalf("expected pending cache entry, got %+v", entry)
	}

	f.rec.SetOnline(true)
	testutil.AssertNoError(t, f.rec.Drain(ctx))
	if ticket.State() != Committed {
		t.Fatalf("expected committed once online, got %s", ticket.State())
	}
}

func TestCancelDuringBackoffRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, testConfig())
	f.flaky.FailNext(1)
	f.rec.SetSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	ticket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 1000))
	if err := f.rec.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticket.State() != Queued || ticket.Attempts() != 1 {
		t.Fatalf("expected queued after 1 attempt, got %s after %d", ticket.State(), ticket.Attempts())
	}

	testutil.AssertNoError(t, f.rec.Drain(context.Background()))
	if ticket.State() != Committed || ticket.Attempts() != 2 {
		t.Fatalf("expected committed on attempt 2, got %s after %d", ticket.State(), ticket.Attempts())
	}
}

// droppedReplyStore commits transaction writes and then reports the
// connection as lost for the next n of them.
type droppedReplyStore struct {
	ledger.Store
	mu sync.Mutex
	n  int
}

func (s *droppedReplyStore) drop(tx core.Transaction, err error) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || s.n == 0 {
		return tx, err
	}
	s.n--
	return core.Transaction{}, apperrors.Classify(faulty.ErrUnavailable)
}

func (s *droppedReplyStore) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	return s.drop(s.Store.CreateTransaction(ctx, t))
}

func (s *droppedReplyStore) UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	return s.drop(s.Store.UpdateTransaction(ctx, t))
}

func (s *droppedReplyStore) DeleteTransaction(ctx context.Context, userID, id string, v int64) (core.Transaction, error) {
	return s.drop(s.Store.DeleteTransaction(ctx, userID, id, v))
}

func TestCommitWithLostReplySettlesCommitted(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.use(&droppedReplyStore{Store: f.mem, n: 1}, testConfig())

		tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
		ticket := f.enqueue(t, core.OpCreate, tx)
		testutil.AssertNoError(t, f.rec.Drain(ctx))

		e, err := settled(t, ticket)
		testutil.AssertNoError(t, err)
		if ticket.State() != Committed || ticket.Attempts() != 2 {
			t.Fatalf("expected committed on attempt 2, got %s after %d", ticket.State(), ticket.Attempts())
		}
		if e.Metadata().Version != 1 {
			t.Errorf("expected version 1, got %d", e.Metadata().Version)
		}
		entry, ok := f.cache.Get(core.KindTransaction, tx.ID)
		if !ok || entry.PendingSync {
			t.Fatalf("expected committed cache entry, got %+v ok=%v", entry, ok)
		}
		stored, err := f.mem.GetTransaction(ctx, testutil.TestUserID, tx.ID)
		testutil.AssertNoError(t, err)
		testutil.AssertCents(t, "ledger amount", stored.Amount.Cents, 1000)
	})

	t.Run("update", func(t *testing.T) {
		f := newFixture(t, testConfig())
		tx := testutil.CreateTestExpense(t, f.mem, f.category.ID, f.budget.ID, 1000)
		f.cache.Put(ctx, tx)
		f.use(&droppedReplyStore{Store: f.mem, n: 1}, testConfig())

		tx.Amount = core.Money{Cents: 2500}
		ticket := f.enqueue(t, core.OpUpdate, tx)
		testutil.AssertNoError(t, f.rec.Drain(ctx))

		e, err := settled(t, ticket)
		testutil.AssertNoError(t, err)
		if ticket.State() != Committed || e.Metadata().Version != 2 {
			t.Fatalf("expected committed at version 2, got %s at %d", ticket.State(), e.Metadata().Version)
		}
		entry, ok := f.cache.Get(core.KindTransaction, tx.ID)
		if !ok || entry.PendingSync {
			t.Fatalf("expected committed cache entry, got %+v ok=%v", entry, ok)
		}
		testutil.AssertCents(t, "cached amount", entry.Entity.(core.Transaction).Amount.Cents, 2500)
	})

	t.Run("delete", func(t *testing.T) {
		f := newFixture(t, testConfig())
		tx := testutil.CreateTestExpense(t, f.mem, f.category.ID, f.budget.ID, 1000)
		f.cache.Put(ctx, tx)
		f.use(&droppedReplyStore{Store: f.mem, n: 1}, testConfig())

		ticket := f.enqueue(t, core.OpDelete, tx)
		testutil.AssertNoError(t, f.rec.Drain(ctx))

		e, err := settled(t, ticket)
		testutil.AssertNoError(t, err)
		if ticket.State() != Committed || !e.Metadata().IsDeleted() {
			t.Fatalf("expected committed tombstone, got %s %+v", ticket.State(), e.Metadata())
		}
		if _, ok := f.cache.Get(core.KindTransaction, tx.ID); ok {
			t.Error("deleted transaction should leave the cache")
		}
		_, err = f.mem.GetTransaction(ctx, testutil.TestUserID, tx.ID)
		testutil.AssertAppError(t, err, apperrors.ErrTransactionNotFound.Code)
	})
}

func TestConflictAfterTransientFailureIsStillRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
	other := tx
	other.UserID = testutil.TestUserID
	other.Amount = core.Money{Cents: 7700}
	_, err := f.mem.CreateTransaction(ctx, other)
	testutil.AssertNoError(t, err)

	f.flaky.FailNext(1)
	ticket := f.enqueue(t, core.OpCreate, tx)
	testutil.AssertNoError(t, f.rec.Drain(ctx))

	_, err = settled(t, ticket)
	testutil.AssertAppError(t, err, apperrors.ErrConflict.Code)
	if ticket.State() != Rejected {
		t.Fatalf("expected rejected, got %s", ticket.State())
	}
	if _, ok := f.cache.Get(core.KindTransaction, tx.ID); ok {
		t.Error("rejected create should be rolled back from the cache")
	}
}

// cancellingStore cancels the caller's context while a create is in flight.
type cancellingStore struct {
	ledger.Store
	cancel context.CancelFunc
	commit bool
	once   sync.Once
}

func (s *cancellingStore) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	fired := false
	s.once.Do(func() {
		fired = true
		s.cancel()
	})
	if !fired {
		return s.Store.CreateTransaction(ctx, t)
	}
	if s.commit {
		if _, err := s.Store.CreateTransaction(context.Background(), t); err != nil {
			return core.Transaction{}, err
		}
	}
	return core.Transaction{}, ctx.Err()
}

func TestCancelDuringSubmitRequeues(t *testing.T) {
	for _, commit := range []bool{false, true} {
		name := "not committed"
		if commit {
			name = "committed"
		}
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f := newFixture(t, testConfig())
			f.use(&cancellingStore{Store: f.mem, cancel: cancel, commit: commit}, testConfig())

			tx := testutil.NewExpense(f.category.ID, f.budget.ID, 1000)
			ticket := f.enqueue(t, core.OpCreate, tx)
			if err := f.rec.Drain(ctx); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
			if ticket.State() != Queued || ticket.Attempts() != 1 {
				t.Fatalf("expected queued after 1 attempt, got %s after %d", ticket.State(), ticket.Attempts())
			}
			entry, ok := f.cache.Get(core.KindTransaction, tx.ID)
			if !ok || !entry.PendingSync {
				t.Fatalf("cancelled write should stay pending, got %+v ok=%v", entry, ok)
			}

			testutil.AssertNoError(t, f.rec.Drain(context.Background()))
			if ticket.State() != Committed || ticket.Attempts() != 2 {
				t.Fatalf("expected committed on attempt 2, got %s after %d", ticket.State(), ticket.Attempts())
			}
			stored, err := f.mem.ListTransactions(context.Background(), testutil.TestUserID, ledger.TransactionFilter{})
			testutil.AssertNoError(t, err)
			if len(stored) != 1 {
				t.Fatalf("expected one stored transaction, got %d", len(stored))
			}
		})
	}
}

func TestStartDrainsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	testutil.AssertNoError(t, f.rec.Start(ctx))
	if err := f.rec.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	ticket := f.enqueue(t, core.OpCreate, testutil.NewExpense(f.category.ID, f.budget.ID, 1000))
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := ticket.Wait(waitCtx)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, f.rec.Stop(ctx))
	if f.rec.IsRunning() {
		t.Error("reconciler should be stopped")
	}
}
