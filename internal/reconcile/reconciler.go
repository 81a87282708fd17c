// Package reconcile drains locally applied mutations into the ledger. It
// keeps per-record submission order, submits independent records
// concurrently, retries transient failures with backoff and settles every
// outcome back into the local cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/ledger"
	"ledgersync/internal/log"
)

// Config holds the retry and scheduling policy.
type Config struct {
	// PollInterval is how often Run drains without being woken (default: 5s)
	PollInterval time.Duration

	// BaseDelay is the first retry delay; it doubles per attempt (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps the retry delay (default: 30s)
	MaxDelay time.Duration

	// MaxAttempts bounds submissions of one mutation (default: 5)
	MaxAttempts int

	// Concurrency bounds simultaneous submissions (default: 4)
	Concurrency int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		Concurrency:  4,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Stats counts mutations by state.
type Stats struct {
	Queued    int
	Submitted int
	Committed int
	Rejected  int
	Withdrawn int
	Retries   int
}

type item struct {
	ticket   *Ticket
	handle   cache.Handle
	mutation cache.Mutation
	refs     []core.Key
	// uncertain is set once an attempt ended without a reliable reply, so
	// the ledger may already hold the write.
	uncertain bool
}

// Reconciler owns the pending-write queue of one user session.
type Reconciler struct {
	store  ledger.Store
	cache  *cache.Store
	userID string
	config Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	queue    []*item
	inflight map[core.Key]bool
	versions map[core.Key]int64
	online   bool
	stats    Stats
	wake     chan struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns an online reconciler submitting userID's writes to store.
func New(store ledger.Store, c *cache.Store, userID string, config Config) *Reconciler {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Reconciler{
		store:    store,
		cache:    c,
		userID:   userID,
		config:   config,
		logger:   slog.Default().With(log.FieldComponent, log.ComponentReconcile),
		sleep:    sleepContext,
		inflight: make(map[core.Key]bool),
		versions: make(map[core.Key]int64),
		online:   true,
		wake:     make(chan struct{}, 1),
	}
}

// SetSleep replaces the backoff wait, for tests.
func (r *Reconciler) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

func (r *Reconciler) SetLogger(l *slog.Logger) {
	r.logger = l
}

// SetOnline toggles submission. Offline, mutations stay queued.
func (r *Reconciler) SetOnline(online bool) {
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
	if online {
		r.signal()
	}
}

func (r *Reconciler) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Stats returns a snapshot of the counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Queued, s.Submitted = 0, 0
	for _, it := range r.queue {
		if it.ticket.State() == Submitted {
			s.Submitted++
		} else {
			s.Queued++
		}
	}
	return s
}

// Pending returns the unsettled tickets in submission order.
func (r *Reconciler) Pending() []*Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Ticket, len(r.queue))
	for i, it := range r.queue {
		out[i] = it.ticket
	}
	return out
}

// Enqueue applies m to the cache optimistically and queues it for the
// ledger.
func (r *Reconciler) Enqueue(ctx context.Context, m cache.Mutation) (*Ticket, error) {
	h, err := r.cache.ApplyOptimistic(ctx, m)
	if err != nil {
		return nil, err
	}
	it := &item{
		ticket:   newTicket(h.Seq, h.Key, h.Op),
		handle:   h,
		mutation: m,
		refs:     core.References(m.Entity),
	}
	r.mu.Lock()
	r.queue = append(r.queue, it)
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "Mutation queued",
		log.FieldMutationSeq, h.Seq, "mutation_op", string(h.Op), log.FieldEntityKind, string(h.Key.Kind), log.FieldEntityID, h.Key.ID)
	r.signal()
	return it.ticket, nil
}

// Withdraw cancels a queued mutation and rolls its optimistic change back,
// together with every later queued mutation of the same record. A submitted
// mutation cannot be withdrawn.
func (r *Reconciler) Withdraw(ctx context.Context, t *Ticket) error {
	r.mu.Lock()
	idx := r.indexOf(t)
	if idx < 0 {
		r.mu.Unlock()
		if t.State().Terminal() {
			return apperrors.WithMessage(apperrors.ErrConflict, "change was already settled")
		}
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("mutation %d is not queued", t.Seq))
	}
	if !t.transition(Queued, Withdrawn) {
		r.mu.Unlock()
		return apperrors.WithMessage(apperrors.ErrConflict, "change was already submitted")
	}
	victims := append([]*item{r.queue[idx]}, r.laterSameKeyLocked(idx)...)
	for _, v := range victims[1:] {
		v.ticket.transition(Queued, Withdrawn)
	}
	r.removeLocked(victims...)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Mutation withdrawn",
		log.FieldMutationSeq, t.Seq, log.FieldEntityID, t.Key.ID, "cascaded", len(victims)-1)
	r.rollback(ctx, victims, apperrors.ErrWithdrawn)
	return nil
}

// Drain runs reconciliation rounds until nothing queued can be submitted.
// It returns early, leaving mutations queued, when offline.
func (r *Reconciler) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := r.ready()
		if len(batch) == 0 {
			return nil
		}

		var g errgroup.Group
		g.SetLimit(r.config.Concurrency)
		for _, it := range batch {
			it := it
			g.Go(func() error {
				r.submit(ctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// ready picks every queued mutation whose earlier related mutations have
// settled and marks it submitted.
func (r *Reconciler) ready() []*item {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online {
		return nil
	}
	var batch []*item
	for i, it := range r.queue {
		if it.ticket.State() != Queued || r.inflight[it.handle.Key] {
			continue
		}
		if r.blockedLocked(i) {
			continue
		}
		it.ticket.transition(Queued, Submitted)
		r.inflight[it.handle.Key] = true
		batch = append(batch, it)
	}
	return batch
}

// blockedLocked reports whether an earlier unsettled mutation must reach
// the ledger before queue[i]: one on the same record, one on a record
// queue[i] references, or one referencing queue[i]'s record.
func (r *Reconciler) blockedLocked(i int) bool {
	it := r.queue[i]
	for _, prev := range r.queue[:i] {
		if prev.handle.Key == it.handle.Key || containsKey(it.refs, prev.handle.Key) || containsKey(prev.refs, it.handle.Key) {
			return true
		}
	}
	return false
}

func (r *Reconciler) submit(ctx context.Context, it *item) {
	for {
		m := ledger.Mutation{
			Op:              it.mutation.Op,
			Entity:          it.mutation.Entity,
			UserID:          r.userID,
			ExpectedVersion: r.expectedVersion(it),
		}
		committed, err := ledger.Apply(ctx, r.store, m)
		if err == nil {
			r.handleSuccess(ctx, it, committed)
			return
		}
		if ctx.Err() != nil {
			// the outcome is unknown; reconcile it on a later cycle
			it.uncertain = true
			r.requeue(it)
			return
		}

		appErr := apperrors.Classify(err)
		attempt := it.ticket.Attempts()
		if !appErr.Retryable() {
			if it.uncertain {
				if stored, ok := r.recoverLostReply(ctx, m, appErr); ok {
					r.handleSuccess(ctx, it, stored)
					return
				}
			}
			r.handleFailure(ctx, it, surfaced(appErr))
			return
		}
		it.uncertain = true
		if attempt >= r.config.MaxAttempts {
			r.handleFailure(ctx, it, apperrors.Wrap(apperrors.ErrRetryExhausted, appErr))
			return
		}

		delay := r.config.Backoff(attempt)
		r.logger.WarnContext(ctx, "Ledger write failed, retrying",
			log.FieldMutationSeq, it.handle.Seq, log.FieldEntityID, it.handle.Key.ID,
			"attempt", attempt, "retry_in", delay, "error", err)
		r.mu.Lock()
		r.stats.Retries++
		r.mu.Unlock()
		if err := r.sleep(ctx, delay); err != nil {
			// never reached the ledger again; leave it queued for the next cycle
			r.requeue(it)
			return
		}
		it.ticket.transition(Submitted, Submitted)
	}
}

// recoverLostReply checks whether an earlier attempt of m committed even
// though its reply never arrived, and returns the ledger's copy if so.
func (r *Reconciler) recoverLostReply(ctx context.Context, m ledger.Mutation, cause *apperrors.AppError) (core.Entity, bool) {
	key := core.KeyOf(m.Entity)
	stored, err := ledger.Fetch(ctx, r.store, r.userID, key)

	var committed core.Entity
	switch m.Op {
	case core.OpCreate:
		want := withUser(m.Entity, r.userID)
		if errors.Is(cause, apperrors.ErrConflict) && err == nil && core.SamePayload(stored, want) {
			committed = stored
		}
	case core.OpUpdate:
		want := withUser(m.Entity, r.userID)
		if errors.Is(cause, apperrors.ErrVersionConflict) && err == nil &&
			stored.Metadata().Version == m.ExpectedVersion+1 && core.SamePayload(stored, want) {
			committed = stored
		}
	case core.OpDelete:
		if cause.Kind == apperrors.KindNotFound && err != nil && apperrors.Classify(err).Kind == apperrors.KindNotFound {
			meta := m.Entity.Metadata()
			if m.ExpectedVersion != 0 {
				meta.Version = m.ExpectedVersion
			}
			committed = core.WithMeta(m.Entity, ledger.Deleted(meta, time.Now().UTC()))
		}
	}
	if committed == nil {
		return nil, false
	}
	r.logger.InfoContext(ctx, "Earlier attempt had committed, reply was lost",
		log.FieldEntityKind, string(key.Kind), log.FieldEntityID, key.ID, "mutation_op", string(m.Op))
	return committed, true
}

func withUser(e core.Entity, userID string) core.Entity {
	switch v := e.(type) {
	case core.Category:
		v.UserID = userID
		return v
	case core.Budget:
		v.UserID = userID
		return v
	case core.Allocation:
		v.UserID = userID
		return v
	case core.Transaction:
		v.UserID = userID
		return v
	}
	return e
}

// expectedVersion is the committed version the mutation was computed on.
// When earlier writes of this session to the same record were ahead of it,
// that is the version the last of them committed.
func (r *Reconciler) expectedVersion(it *item) int64 {
	if it.mutation.Op == core.OpCreate {
		return 0
	}
	if it.handle.PendingAhead == 0 {
		return it.handle.BaseVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.versions[it.handle.Key]; ok {
		return v
	}
	return it.handle.BaseVersion
}

func (r *Reconciler) handleSuccess(ctx context.Context, it *item, committed core.Entity) {
	if err := r.cache.Settle(ctx, it.handle, cache.Outcome{Committed: true, Entity: committed}); err != nil {
		r.logger.ErrorContext(ctx, "Failed to settle committed mutation", log.FieldMutationSeq, it.handle.Seq, "error", err)
	}

	r.mu.Lock()
	r.removeLocked(it)
	delete(r.inflight, it.handle.Key)
	if r.hasKeyLocked(it.handle.Key) {
		r.versions[it.handle.Key] = committed.Metadata().Version
	} else {
		delete(r.versions, it.handle.Key)
	}
	r.stats.Committed++
	r.mu.Unlock()

	it.ticket.finish(Committed, committed, nil)
	r.logger.InfoContext(ctx, "Mutation committed",
		log.FieldMutationSeq, it.handle.Seq, "mutation_op", string(it.handle.Op),
		log.FieldEntityKind, string(it.handle.Key.Kind), log.FieldEntityID, it.handle.Key.ID,
		"version", committed.Metadata().Version, "attempt", it.ticket.Attempts())
}

func (r *Reconciler) handleFailure(ctx context.Context, it *item, err *apperrors.AppError) {
	r.mu.Lock()
	idx := r.indexOf(it.ticket)
	var later []*item
	if idx >= 0 {
		later = r.laterSameKeyLocked(idx)
	}
	for _, l := range later {
		l.ticket.transition(Queued, Withdrawn)
	}
	r.removeLocked(append([]*item{it}, later...)...)
	delete(r.inflight, it.handle.Key)
	delete(r.versions, it.handle.Key)
	r.stats.Rejected++
	r.mu.Unlock()

	if settleErr := r.cache.Settle(ctx, it.handle, cache.Outcome{Err: err}); settleErr != nil {
		r.logger.ErrorContext(ctx, "Failed to roll back rejected mutation", log.FieldMutationSeq, it.handle.Seq, "error", settleErr)
	}
	it.ticket.finish(Rejected, nil, err)

	if len(later) > 0 {
		cause := apperrors.Wrap(apperrors.ErrConflict,
			fmt.Errorf("earlier change to %s was rejected: %w", it.handle.Key, err))
		r.rollback(ctx, later, cause)
	}
	if errors.Is(err, apperrors.ErrVersionConflict) {
		r.cache.Invalidate(ctx, cache.Scope{Keys: []core.Key{it.handle.Key}})
	}

	r.logger.WarnContext(ctx, "Mutation rejected",
		log.FieldMutationSeq, it.handle.Seq, "mutation_op", string(it.handle.Op),
		log.FieldEntityKind, string(it.handle.Key.Kind), log.FieldEntityID, it.handle.Key.ID,
		"error_code", err.Code, "withdrawn", len(later), "error", err)
}

// rollback settles withdrawn items newest first so each restores the state
// it was applied on.
func (r *Reconciler) rollback(ctx context.Context, items []*item, cause error) {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if err := r.cache.Settle(ctx, it.handle, cache.Outcome{Err: cause}); err != nil {
			r.logger.ErrorContext(ctx, "Failed to roll back withdrawn mutation", log.FieldMutationSeq, it.handle.Seq, "error", err)
		}
		it.ticket.finish(Withdrawn, nil, cause)
	}
	r.mu.Lock()
	r.stats.Withdrawn += len(items)
	r.mu.Unlock()
}

func (r *Reconciler) requeue(it *item) {
	r.mu.Lock()
	delete(r.inflight, it.handle.Key)
	r.mu.Unlock()
	it.ticket.transition(Submitted, Queued)
}

func (r *Reconciler) indexOf(t *Ticket) int {
	for i, it := range r.queue {
		if it.ticket == t {
			return i
		}
	}
	return -1
}

func (r *Reconciler) laterSameKeyLocked(idx int) []*item {
	key := r.queue[idx].handle.Key
	var out []*item
	for _, it := range r.queue[idx+1:] {
		if it.handle.Key == key && it.ticket.State() == Queued {
			out = append(out, it)
		}
	}
	return out
}

func (r *Reconciler) hasKeyLocked(key core.Key) bool {
	for _, it := range r.queue {
		if it.handle.Key == key {
			return true
		}
	}
	return false
}

func (r *Reconciler) removeLocked(items ...*item) {
	drop := make(map[*item]bool, len(items))
	for _, it := range items {
		drop[it] = true
	}
	kept := r.queue[:0]
	for _, it := range r.queue {
		if !drop[it] {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = nil
	}
	r.queue = kept
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// surfaced maps a ledger rejection to the error the caller sees. A closed
// budget the local checks did not predict means the cached state diverged.
func surfaced(err *apperrors.AppError) *apperrors.AppError {
	if err.Code == apperrors.ErrBudgetClosed.Code {
		return apperrors.Wrap(apperrors.ErrConflict, err)
	}
	return err
}

func containsKey(keys []core.Key, k core.Key) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
