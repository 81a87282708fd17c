package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/events"
	"ledgersync/internal/ledger"
	"ledgersync/internal/log"
	"ledgersync/internal/reconcile"
	"ledgersync/internal/rollup"
)

var allKinds = []core.Kind{core.KindCategory, core.KindBudget, core.KindAllocation, core.KindTransaction}

// Identity names the user a Tracker writes for and the session it runs in.
type Identity struct {
	UserID    string
	SessionID string
}

// Options configures a Tracker.
type Options struct {
	Thresholds      rollup.Thresholds
	Reconcile       reconcile.Config
	RollupCacheSize int
	RollupTTL       time.Duration
	// CacheSweepInterval is how often expired derived values are evicted.
	// Zero disables the background sweep.
	CacheSweepInterval time.Duration
	Logger             *slog.Logger
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Thresholds:      rollup.DefaultThresholds(),
		Reconcile:       reconcile.DefaultConfig(),
		RollupCacheSize:    256,
		RollupTTL:          10 * time.Minute,
		CacheSweepInterval: time.Minute,
	}
}

// Result is the outcome of a write. On success Entity is the optimistic
// state already visible in reads and Ticket tracks reconciliation.
type Result[T core.Entity] struct {
	Success bool
	Entity  T
	Err     error
	Ticket  *reconcile.Ticket
}

// Settle waits until r has been reconciled with the ledger. A write the
// ledger rejected comes back with Success false and the ledger's error.
func Settle[T core.Entity](ctx context.Context, r Result[T]) Result[T] {
	if !r.Success || r.Ticket == nil {
		return r
	}
	e, err := r.Ticket.Wait(ctx)
	if err != nil {
		return Result[T]{Entity: r.Entity, Err: err, Ticket: r.Ticket}
	}
	committed, _ := e.(T)
	return Result[T]{Success: true, Entity: committed, Ticket: r.Ticket}
}

func failed[T core.Entity](err error) Result[T] {
	return Result[T]{Err: err}
}

// Tracker is the client-side facade: reads are served from the local cache,
// writes are applied optimistically and reconciled in the background.
type Tracker struct {
	identity   Identity
	store      ledger.Store
	bus        *events.Bus
	cache      *cache.Store
	rollups    *rollup.Engine
	reconciler *reconcile.Reconciler
	sweeper    *cache.Manager
	validate   *validator.Validate
	logger     *slog.Logger

	loads   singleflight.Group
	writeMu sync.Mutex
	detach  []func()
}

// NewTracker wires a cache, a rollup engine and a reconciler around store.
func NewTracker(store ledger.Store, id Identity, opts Options) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if id.UserID == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "user id is required")
	}
	if id.SessionID == "" {
		id.SessionID = core.NewID()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", id.UserID, "session_id", id.SessionID)

	bus := events.NewBus()
	c := cache.NewStore(bus)

	engineOpts := []rollup.Option{rollup.WithLogger(logger.With(log.FieldComponent, log.ComponentRollup))}
	if opts.RollupCacheSize > 0 {
		engineOpts = append(engineOpts, rollup.WithCache(opts.RollupCacheSize, opts.RollupTTL))
	}
	engine := rollup.NewEngine(rollup.CacheSource{Store: c}, opts.Thresholds, engineOpts...)

	rec := reconcile.New(store, c, id.UserID, opts.Reconcile)
	rec.SetLogger(logger.With(log.FieldComponent, log.ComponentReconcile))

	sweeper := cache.NewManager()
	sweeper.Register(engine.Cache())
	sweeper.StartCleanup(opts.CacheSweepInterval)

	t := &Tracker{
		identity:   id,
		store:      store,
		bus:        bus,
		cache:      c,
		rollups:    engine,
		reconciler: rec,
		sweeper:    sweeper,
		validate:   newValidator(),
		logger:     logger.With(log.FieldComponent, log.ComponentTracker),
	}
	t.detach = append(t.detach, engine.Attach(bus), bus.Subscribe(t.onChange))
	return t, nil
}

func (t *Tracker) Identity() Identity { return t.identity }
func (t *Tracker) Bus() *events.Bus { return t.bus }
func (t *Tracker) Cache() *cache.Store { return t.cache }
func (t *Tracker) Rollups() *rollup.Engine { return t.rollups }
func (t *Tracker) Reconciler() *reconcile.Reconciler { return t.reconciler }

// SweepCaches evicts expired derived values now and returns how many went.
func (t *Tracker) SweepCaches() int { return t.sweeper.Sweep() }

// Start drains queued writes in the background until Stop or Close.
func (t *Tracker) Start(ctx context.Context) error {
	return t.reconciler.Start(ctx)
}

// Close stops background reconciliation and cache sweeping and detaches
// from the event bus.
func (t *Tracker) Close(ctx context.Context) error {
	err := t.reconciler.Stop(ctx)
	t.sweeper.Stop()
	for _, fn := range t.detach {
		fn()
	}
	t.detach = nil
	return err
}

// SetOnline toggles submission to the ledger. Writes made offline stay
// visible locally and queue up.
func (t *Tracker) SetOnline(online bool) {
	t.reconciler.SetOnline(online)
	t.logger.Info("Connectivity changed", "online", online)
}

// Sync runs one reconciliation cycle.
func (t *Tracker) Sync(ctx context.Context) error {
	return t.reconciler.Drain(ctx)
}

func (t *Tracker) Stats() reconcile.Stats {
	return t.reconciler.Stats()
}

// Withdraw cancels a write that has not been submitted yet.
func (t *Tracker) Withdraw(ctx context.Context, ticket *reconcile.Ticket) error {
	if ticket == nil {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "no pending change to withdraw")
	}
	return t.reconciler.Withdraw(ctx, ticket)
}

// Refresh drops cached records in scope and refetches every kind that is no
// longer fully loaded.
func (t *Tracker) Refresh(ctx context.Context, scope cache.Scope) error {
	dropped := t.cache.Invalidate(ctx, scope)
	t.logger.DebugContext(ctx, "Cache invalidated", "dropped", dropped)
	for _, kind := range allKinds {
		if err := t.ensureLoaded(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRemote installs records committed by other sessions of this user.
func (t *Tracker) ApplyRemote(ctx context.Context, entities ...core.Entity) int {
	n := 0
	for _, e := range entities {
		if t.cache.ApplyRemote(ctx, e) {
			n++
		}
	}
	return n
}

// onChange keeps cached dependents of a deleted budget honest: the ledger
// cascades that delete to allocations and transaction links.
func (t *Tracker) onChange(ctx context.Context, c events.Change) {
	if c.Key.Kind != core.KindBudget || c.Op != core.OpDelete {
		return
	}
	if c.Reason != events.Committed && c.Reason != events.Remote {
		return
	}
	t.cache.Invalidate(ctx, cache.Scope{BudgetID: c.Key.ID})
}

// Reads

func (t *Tracker) ListCategories(ctx context.Context) ([]core.Category, error) {
	return list[core.Category](ctx, t, core.KindCategory, nil)
}

func (t *Tracker) ListBudgets(ctx context.Context, filter ledger.BudgetFilter) ([]core.Budget, error) {
	return list(ctx, t, core.KindBudget, filter.Match)
}

func (t *Tracker) ListAllocations(ctx context.Context, filter ledger.AllocationFilter) ([]core.Allocation, error) {
	return list(ctx, t, core.KindAllocation, filter.Match)
}

// ListTransactions returns visible transactions matching filter, pending
// local writes included.
func (t *Tracker) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]core.Transaction, error) {
	return list(ctx, t, core.KindTransaction, filter.Match)
}

func (t *Tracker) GetCategory(ctx context.Context, id string) (core.Category, error) {
	return visible[core.Category](ctx, t, core.KindCategory, id, apperrors.ErrCategoryNotFound)
}

func (t *Tracker) GetBudget(ctx context.Context, id string) (core.Budget, error) {
	return visible[core.Budget](ctx, t, core.KindBudget, id, apperrors.ErrBudgetNotFound)
}

func (t *Tracker) GetAllocation(ctx context.Context, id string) (core.Allocation, error) {
	return visible[core.Allocation](ctx, t, core.KindAllocation, id, apperrors.ErrAllocationNotFound)
}

func (t *Tracker) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	return visible[core.Transaction](ctx, t, core.KindTransaction, id, apperrors.ErrTransactionNotFound)
}

// Entry exposes the cache view of a record, pending state included.
func (t *Tracker) Entry(kind core.Kind, id string) (cache.Entry, bool) {
	return t.cache.Get(kind, id)
}

// GetRollup returns the current rollup of a budget, computed over the
// visible state.
func (t *Tracker) GetRollup(ctx context.Context, budgetID string) (core.BudgetRollup, error) {
	for _, kind := range []core.Kind{core.KindBudget, core.KindAllocation, core.KindTransaction} {
		if err := t.loadBestEffort(ctx, kind); err != nil {
			return core.BudgetRollup{}, err
		}
	}
	return t.rollups.Get(ctx, budgetID)
}

// WatchRollups registers fn for every recomputed rollup.
func (t *Tracker) WatchRollups(fn func(core.BudgetRollup)) func() {
	return t.rollups.Watch(fn)
}

// Categories

func (t *Tracker) CreateCategory(ctx context.Context, in CategoryInput) Result[core.Category] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Category](inputError(err))
	}
	c := in.category(core.NewID(), t.identity.UserID)
	return submit(ctx, t, core.OpCreate, c, nil)
}

// DeleteCategory fails with CATEGORY_IN_USE while visible transactions or
// allocations reference the category.
func (t *Tracker) DeleteCategory(ctx context.Context, id string) Result[core.Category] {
	current, err := t.GetCategory(ctx, id)
	if err != nil {
		return failed[core.Category](err)
	}
	return submit(ctx, t, core.OpDelete, current, func(ctx context.Context) error {
		return t.checkCategoryUnused(ctx, id)
	})
}

// Budgets

func (t *Tracker) CreateBudget(ctx context.Context, in BudgetInput) Result[core.Budget] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Budget](inputError(err))
	}
	b := in.budget(core.NewID(), t.identity.UserID)
	return submit(ctx, t, core.OpCreate, b, nil)
}

// UpdateBudget replaces a budget's fields. An empty Status keeps the
// current one.
func (t *Tracker) UpdateBudget(ctx context.Context, id string, in BudgetInput) Result[core.Budget] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Budget](inputError(err))
	}
	current, err := t.GetBudget(ctx, id)
	if err != nil {
		return failed[core.Budget](err)
	}
	next := in.budget(id, t.identity.UserID)
	if in.Status == "" {
		next.Status = current.Status
	}
	next.Meta = current.Meta
	return submit(ctx, t, core.OpUpdate, next, func(ctx context.Context) error {
		allocated, known, err := t.allocated(ctx, id)
		if err != nil {
			return err
		}
		if !known {
			allocated = core.Money{}
		}
		return ledger.CheckBudgetUpdate(current, next, allocated)
	})
}

// DeleteBudget removes a budget. The ledger soft-deletes its allocations and
// unlinks its transactions.
func (t *Tracker) DeleteBudget(ctx context.Context, id string) Result[core.Budget] {
	current, err := t.GetBudget(ctx, id)
	if err != nil {
		return failed[core.Budget](err)
	}
	return submit(ctx, t, core.OpDelete, current, func(context.Context) error {
		return ledger.CheckBudgetOpen(current)
	})
}

// Allocations

// CreateAllocation plans funds into a budget/category pair. The visible
// allocations of the budget plus this one must fit its total.
func (t *Tracker) CreateAllocation(ctx context.Context, in AllocationInput) Result[core.Allocation] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Allocation](inputError(err))
	}
	a := in.allocation(core.NewID(), t.identity.UserID)
	return submit(ctx, t, core.OpCreate, a, func(ctx context.Context) error {
		if err := t.checkCategoryRef(ctx, a.CategoryID); err != nil {
			return err
		}
		b, err := t.checkBudgetRef(ctx, a.BudgetID)
		if err != nil || b == nil {
			return err
		}
		allocated, known, err := t.allocated(ctx, a.BudgetID)
		if err != nil || !known {
			return err
		}
		return ledger.CheckAllocationFits(*b, allocated, a.Amount)
	})
}

func (t *Tracker) DeleteAllocation(ctx context.Context, id string) Result[core.Allocation] {
	current, err := t.GetAllocation(ctx, id)
	if err != nil {
		return failed[core.Allocation](err)
	}
	return submit(ctx, t, core.OpDelete, current, func(ctx context.Context) error {
		return t.checkLinkedBudgetOpen(ctx, current.BudgetID)
	})
}

// Transactions

func (t *Tracker) CreateTransaction(ctx context.Context, in TransactionInput) Result[core.Transaction] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Transaction](inputError(err))
	}
	tx := in.transaction(core.NewID(), t.identity.UserID)
	return submit(ctx, t, core.OpCreate, tx, func(ctx context.Context) error {
		return t.checkTransactionRefs(ctx, tx)
	})
}

func (t *Tracker) UpdateTransaction(ctx context.Context, id string, in TransactionInput) Result[core.Transaction] {
	if err := t.validate.Struct(in); err != nil {
		return failed[core.Transaction](inputError(err))
	}
	current, err := t.GetTransaction(ctx, id)
	if err != nil {
		return failed[core.Transaction](err)
	}
	next := in.transaction(id, t.identity.UserID)
	next.Meta = current.Meta
	return submit(ctx, t, core.OpUpdate, next, func(ctx context.Context) error {
		if err := t.checkLinkedBudgetOpen(ctx, current.BudgetID); err != nil {
			return err
		}
		return t.checkTransactionRefs(ctx, next)
	})
}

func (t *Tracker) DeleteTransaction(ctx context.Context, id string) Result[core.Transaction] {
	current, err := t.GetTransaction(ctx, id)
	if err != nil {
		return failed[core.Transaction](err)
	}
	return submit(ctx, t, core.OpDelete, current, func(ctx context.Context) error {
		return t.checkLinkedBudgetOpen(ctx, current.BudgetID)
	})
}

// submit validates e, runs check against the visible state and applies the
// write optimistically. Local writes are serialized so each check sees the
// previous write.
func submit[T core.Entity](ctx context.Context, t *Tracker, op core.Op, e T, check func(context.Context) error) Result[T] {
	if op != core.OpDelete {
		if err := core.Validate(e); err != nil {
			return failed[T](err)
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if check != nil {
		if err := check(ctx); err != nil {
			t.logger.DebugContext(ctx, "Write refused locally",
				"mutation_op", string(op), log.FieldEntityKind, string(e.EntityKind()), log.FieldEntityID, e.EntityID(), "error", err)
			return failed[T](err)
		}
	}
	ticket, err := t.reconciler.Enqueue(ctx, cache.Mutation{Op: op, Entity: e})
	if err != nil {
		return failed[T](err)
	}

	result := Result[T]{Success: true, Entity: e, Ticket: ticket}
	if entry, ok := t.cache.Get(e.EntityKind(), e.EntityID()); ok {
		if v, ok := entry.Entity.(T); ok {
			result.Entity = v
		}
	}
	t.logger.InfoContext(ctx, "Write applied locally",
		log.FieldMutationSeq, ticket.Seq, "mutation_op", string(op),
		log.FieldEntityKind, string(e.EntityKind()), log.FieldEntityID, e.EntityID())
	return result
}

func list[T core.Entity](ctx context.Context, t *Tracker, kind core.Kind, match func(T) bool) ([]T, error) {
	if err := t.loadBestEffort(ctx, kind); err != nil {
		return nil, err
	}
	entries := t.cache.List(kind, func(e core.Entity) bool {
		v, ok := e.(T)
		return ok && (match == nil || match(v))
	})
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Entity.(T))
	}
	return out, nil
}

func visible[T core.Entity](ctx context.Context, t *Tracker, kind core.Kind, id string, notFound *apperrors.AppError) (T, error) {
	var zero T
	if _, ok := t.cache.Get(kind, id); !ok {
		if err := t.loadBestEffort(ctx, kind); err != nil {
			return zero, err
		}
	}
	entry, ok := t.cache.Get(kind, id)
	if !ok || entry.Deleted || entry.Entity == nil {
		return zero, apperrors.Wrap(notFound, fmt.Errorf("%s %s", kind, id))
	}
	v, ok := entry.Entity.(T)
	if !ok {
		return zero, apperrors.Wrap(apperrors.ErrInternal, fmt.Errorf("%s %s has type %T", kind, id, entry.Entity))
	}
	return v, nil
}

// ensureLoaded fetches the full list of kind once per invalidation.
func (t *Tracker) ensureLoaded(ctx context.Context, kind core.Kind) error {
	if t.cache.Loaded(kind) {
		return nil
	}
	_, err, _ := t.loads.Do(string(kind), func() (any, error) {
		if t.cache.Loaded(kind) {
			return nil, nil
		}
		items, err := ledger.FetchAll(ctx, t.store, t.identity.UserID, kind)
		if err != nil {
			return nil, err
		}
		t.cache.Load(ctx, kind, items)
		t.logger.DebugContext(ctx, "Loaded from ledger", log.FieldEntityKind, string(kind), "count", len(items))
		return nil, nil
	})
	if err != nil {
		return apperrors.Classify(err)
	}
	return nil
}

// loadBestEffort loads kind but tolerates an unreachable ledger: reads then
// fall back to whatever the cache holds.
func (t *Tracker) loadBestEffort(ctx context.Context, kind core.Kind) error {
	err := t.ensureLoaded(ctx, kind)
	if err == nil || !apperrors.IsRetryable(err) {
		return err
	}
	t.logger.WarnContext(ctx, "Ledger unreachable, serving cached data", log.FieldEntityKind, string(kind), "error", err)
	return nil
}

// Local checks mirror the ledger's rules against the visible state. When a
// kind could not be loaded the check is left to the ledger.

func (t *Tracker) checkCategoryRef(ctx context.Context, id string) error {
	if err := t.loadBestEffort(ctx, core.KindCategory); err != nil {
		return err
	}
	entry, ok := t.cache.Get(core.KindCategory, id)
	if !ok && !t.cache.Loaded(core.KindCategory) {
		return nil
	}
	if !ok || entry.Deleted || entry.Entity == nil {
		return apperrors.Wrap(apperrors.ErrInvalidReference, fmt.Errorf("category %s does not exist", id))
	}
	return nil
}

// checkBudgetRef resolves a referenced budget. It returns nil, nil when the
// budget list is not available locally.
func (t *Tracker) checkBudgetRef(ctx context.Context, id string) (*core.Budget, error) {
	if err := t.loadBestEffort(ctx, core.KindBudget); err != nil {
		return nil, err
	}
	entry, ok := t.cache.Get(core.KindBudget, id)
	if !ok && !t.cache.Loaded(core.KindBudget) {
		return nil, nil
	}
	var ref *core.Budget
	if ok && !entry.Deleted {
		if b, isBudget := entry.Entity.(core.Budget); isBudget {
			ref = &b
		}
	}
	if err := ledger.CheckLiveBudget(ref, id); err != nil {
		return nil, err
	}
	return ref, nil
}

func (t *Tracker) checkTransactionRefs(ctx context.Context, tx core.Transaction) error {
	if err := t.checkCategoryRef(ctx, tx.CategoryID); err != nil {
		return err
	}
	if tx.BudgetID == "" {
		return nil
	}
	_, err := t.checkBudgetRef(ctx, tx.BudgetID)
	return err
}

func (t *Tracker) checkLinkedBudgetOpen(ctx context.Context, budgetID string) error {
	if budgetID == "" {
		return nil
	}
	if err := t.loadBestEffort(ctx, core.KindBudget); err != nil {
		return err
	}
	if entry, ok := t.cache.Get(core.KindBudget, budgetID); ok && !entry.Deleted {
		if b, isBudget := entry.Entity.(core.Budget); isBudget {
			return ledger.CheckBudgetOpen(b)
		}
	}
	return nil
}

func (t *Tracker) checkCategoryUnused(ctx context.Context, id string) error {
	for _, kind := range []core.Kind{core.KindTransaction, core.KindAllocation} {
		if err := t.loadBestEffort(ctx, kind); err != nil {
			return err
		}
		uses := t.cache.List(kind, func(e core.Entity) bool {
			for _, ref := range core.References(e) {
				if ref.Kind == core.KindCategory && ref.ID == id {
					return true
				}
			}
			return false
		})
		if len(uses) > 0 {
			return apperrors.Wrap(apperrors.ErrCategoryInUse,
				fmt.Errorf("category %s is used by %d %s records", id, len(uses), kind))
		}
	}
	return nil
}

// allocated sums the visible allocations of a budget. known is false when
// the allocation list is not available locally.
func (t *Tracker) allocated(ctx context.Context, budgetID string) (sum core.Money, known bool, err error) {
	if err := t.loadBestEffort(ctx, core.KindAllocation); err != nil {
		return core.Money{}, false, err
	}
	if !t.cache.Loaded(core.KindAllocation) {
		return core.Money{}, false, nil
	}
	for _, e := range t.cache.List(core.KindAllocation, nil) {
		if a, ok := e.Entity.(core.Allocation); ok && a.BudgetID == budgetID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, true, nil
}
