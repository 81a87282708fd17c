package rollup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/events"
	"ledgersync/internal/log"
)

// Inputs is the visible state a rollup is computed from.
type Inputs struct {
	Budget       core.Budget
	Transactions []core.Transaction
	Allocations  []core.Allocation
	// Pending is true when any input carries an unsettled local write.
	Pending bool
}

// Source resolves the inputs of a budget without touching the network.
// It returns a not-found error when the budget is not visible.
type Source interface {
	Inputs(ctx context.Context, budgetID string) (Inputs, error)
}

// Engine keeps rollups of every watched budget current. It recomputes
// eagerly when a change naming a budget is published, and never serves a
// rollup computed before the latest such change.
type Engine struct {
	src        Source
	thresholds Thresholds
	rollups    *cache.LRUCache[core.BudgetRollup]
	group      singleflight.Group
	logger     *slog.Logger

	mu       sync.Mutex
	gen      map[string]uint64
	watchers map[int]func(core.BudgetRollup)
	nextID   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the size and TTL of the rollup cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) { e.rollups = cache.NewLRUCache[core.BudgetRollup](size, ttl) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(src Source, th Thresholds, opts ...Option) *Engine {
	e := &Engine{
		src:        src,
		thresholds: th,
		rollups:    cache.NewLRUCache[core.BudgetRollup](256, 10*time.Minute),
		logger:     slog.Default().With(log.FieldComponent, log.ComponentRollup),
		gen:        make(map[string]uint64),
		watchers:   make(map[int]func(core.BudgetRollup)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache exposes the rollup cache so a cache.Manager can sweep it.
func (e *Engine) Cache() *cache.LRUCache[core.BudgetRollup] { return e.rollups }

// Attach subscribes the engine to bus and returns the unsubscribe function.
func (e *Engine) Attach(bus *events.Bus) func() {
	return bus.Subscribe(e.HandleChange)
}

// Watch registers fn to receive every recomputed rollup.
func (e *Engine) Watch(fn func(core.BudgetRollup)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.watchers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

// HandleChange reacts to a published change. Invalidations only drop the
// cached rollups because their inputs are gone until refetched; every other
// change recomputes the named budgets immediately.
func (e *Engine) HandleChange(ctx context.Context, c events.Change) {
	for _, id := range c.BudgetIDs {
		e.bump(id)
		if c.Reason == events.Invalidated {
			continue
		}
		if _, err := e.Recompute(ctx, id); err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
			e.logger.WarnContext(ctx, "Rollup recompute failed", log.FieldBudgetID, id, "error", err)
		}
	}
}

// Get returns the current rollup of budgetID, computing it on a miss.
func (e *Engine) Get(ctx context.Context, budgetID string) (core.BudgetRollup, error) {
	if r, ok := e.rollups.Get(budgetID); ok {
		return r, nil
	}
	v, err, _ := e.group.Do(budgetID, func() (any, error) {
		return e.compute(ctx, budgetID)
	})
	if err != nil {
		return core.BudgetRollup{}, err
	}
	return v.(core.BudgetRollup), nil
}

// Recompute computes the rollup of budgetID from the current inputs, stores
// it and notifies watchers.
func (e *Engine) Recompute(ctx context.Context, budgetID string) (core.BudgetRollup, error) {
	r, err := e.compute(ctx, budgetID)
	if err != nil {
		return core.BudgetRollup{}, err
	}
	e.notify(r)
	return r, nil
}

// Forget drops the cached rollup of budgetID.
func (e *Engine) Forget(budgetID string) {
	e.bump(budgetID)
}

func (e *Engine) compute(ctx context.Context, budgetID string) (core.BudgetRollup, error) {
	gen := e.generation(budgetID)
	in, err := e.src.Inputs(ctx, budgetID)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Kind == apperrors.KindNotFound {
			e.rollups.Delete(budgetID)
		}
		return core.BudgetRollup{}, err
	}
	r := Compute(in.Budget, in.Transactions, in.Allocations, e.thresholds)
	r.Pending = in.Pending

	e.mu.Lock()
	if e.gen[budgetID] == gen {
		e.rollups.Set(budgetID, r)
	}
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) generation(budgetID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen[budgetID]
}

// bump marks every rollup computed so far for budgetID as stale.
func (e *Engine) bump(budgetID string) {
	e.mu.Lock()
	e.gen[budgetID]++
	e.rollups.Delete(budgetID)
	e.mu.Unlock()
}

func (e *Engine) notify(r core.BudgetRollup) {
	e.mu.Lock()
	fns := make([]func(core.BudgetRollup), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}
