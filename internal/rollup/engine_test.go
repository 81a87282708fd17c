package rollup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	"ledgersync/internal/events"
	"ledgersync/internal/testutil"
)

func meta(version int64) core.Meta {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return core.Meta{CreatedAt: now, UpdatedAt: now, Version: version}
}

func setup(t *testing.T) (*cache.Store, *Engine, *events.Bus, core.Budget) {
	t.Helper()
	bus := events.NewBus()
	store := cache.NewStore(bus)
	engine := NewEngine(CacheSource{Store: store}, DefaultThresholds())
	engine.Attach(bus)

	b := testutil.NewBudget("Jan", 200000)
	b.Meta = meta(1)
	store.Put(context.Background(), b)
	return store, engine, bus, b
}

func TestEngineRecomputesOnOptimisticAndRollback(t *testing.T) {
	ctx := context.Background()
	store, engine, _, b := setup(t)

	var seen []core.BudgetRollup
	engine.Watch(func(r core.BudgetRollup) { seen = append(seen, r) })

	r, err := engine.Get(ctx, b.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertCents(t, "initial spent", r.SpentAmount.Cents, 0)

	tx := testutil.NewExpense("c1", b.ID, 50000)
	h, err := store.ApplyOptimistic(ctx, cache.Mutation{Op: core.OpCreate, Entity: tx})
	testutil.AssertNoError(t, err)

	r, err = engine.Get(ctx, b.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertCents(t, "optimistic spent", r.SpentAmount.Cents, 50000)
	if !r.Pending || r.PercentageUsed != 25 {
		t.Fatalf("expected pending 25%% rollup, got %+v", r)
	}
	if len(seen) == 0 || seen[len(seen)-1].SpentAmount.Cents != 50000 {
		t.Fatalf("watcher was not notified eagerly: %+v", seen)
	}

	testutil.AssertNoError(t, store.Settle(ctx, h, cache.Outcome{Committed: false}))
	r, err = engine.Get(ctx, b.ID)
	testutil.AssertNoError(t, err)
	if r.SpentAmount.Cents != 0 || r.Pending {
		t.Fatalf("expected rollback to restore rollup, got %+v", r)
	}
}

func TestEngineIgnoresUnrelatedBudgets(t *testing.T) {
	ctx := context.Background()
	store, engine, _, b := setup(t)
	var calls atomic.Int32
	engine.Watch(func(core.BudgetRollup) { calls.Add(1) })

	_, err := store.ApplyOptimistic(ctx, cache.Mutation{Op: core.OpCreate, Entity: testutil.NewExpense("c1", "", 100)})
	testutil.AssertNoError(t, err)
	if calls.Load() != 0 {
		t.Fatalf("unlinked transaction must not trigger recompute")
	}

	_, err = store.ApplyOptimistic(ctx, cache.Mutation{Op: core.OpCreate, Entity: testutil.NewExpense("c1", b.ID, 100)})
	testutil.AssertNoError(t, err)
	if calls.Load() != 1 {
		t.Fatalf("expected one recompute, got %d", calls.Load())
	}
}

func TestEngineInvalidationDropsRollup(t *testing.T) {
	ctx := context.Background()
	store, engine, _, b := setup(t)
	_, err := engine.Get(ctx, b.ID)
	testutil.AssertNoError(t, err)

	store.Invalidate(ctx, cache.Scope{BudgetID: b.ID})
	if _, ok := engine.Cache().Get(b.ID); ok {
		t.Fatalf("rollup must not survive invalidation")
	}
	_, err = engine.Get(ctx, b.ID)
	testutil.AssertAppError(t, err, "BUDGET_NOT_FOUND")
}

type slowSource struct {
	mu    sync.Mutex
	calls int
	in    Inputs
	gate  chan struct{}
}

func (s *slowSource) Inputs(context.Context, string) (Inputs, error) {
	s.mu.Lock()
	s.calls++
	in := s.in
	s.mu.Unlock()
	<-s.gate
	return in, nil
}

func TestEngineCollapsesConcurrentMisses(t *testing.T) {
	b := testutil.NewBudget("Jan", 1000)
	src := &slowSource{in: Inputs{Budget: b}, gate: make(chan struct{})}
	engine := NewEngine(src, DefaultThresholds())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Get(context.Background(), b.ID); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.calls < 1 || src.calls > 8 {
		t.Fatalf("unexpected source calls: %d", src.calls)
	}
	if _, ok := engine.Cache().Get(b.ID); !ok {
		t.Fatalf("computed rollup should be cached")
	}
}

func TestEngineDoesNotCacheRollupComputedBeforeChange(t *testing.T) {
	b := testutil.NewBudget("Jan", 1000)
	src := &slowSource{in: Inputs{Budget: b}, gate: make(chan struct{})}
	engine := NewEngine(src, DefaultThresholds())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Get(context.Background(), b.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	engine.Forget(b.ID)
	close(src.gate)
	<-done

	if _, ok := engine.Cache().Get(b.ID); ok {
		t.Fatalf("rollup computed before a change must not be cached")
	}
}
