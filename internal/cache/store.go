package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/core"
	apperrors "ledgersync/internal/errors"
	"ledgersync/internal/events"
)

// Entry is the cached view of one ledger record.
type Entry struct {
	Kind core.Kind
	ID   string
	// Entity is the visible state: the committed copy with every pending
	// operation replayed on top.
	Entity core.Entity
	// Deleted marks an optimistic delete that the ledger has not confirmed.
	Deleted     bool
	CachedAt    time.Time
	PendingSync bool
	PendingOps  []PendingOp
	// Stale is set when an invalidation hit a record with pending writes.
	Stale bool
}

// PendingOp describes a local write that has not been settled yet.
type PendingOp struct {
	Seq       uint64
	Op        core.Op
	AppliedAt time.Time
}

// Mutation is a local write to apply ahead of the ledger.
type Mutation struct {
	Op     core.Op
	Entity core.Entity
}

// Handle identifies an optimistic write until it is settled.
type Handle struct {
	Seq uint64
	Key core.Key
	Op  core.Op
	// BaseVersion is the committed version the write was computed against,
	// zero when the record has never been committed.
	BaseVersion int64
	// PendingAhead counts earlier unsettled writes on the same record.
	PendingAhead int
}

// Outcome is what the ledger said about a write. Entity is the committed
// state when Committed is true.
type Outcome struct {
	Committed bool
	Entity    core.Entity
	Err       error
}

// Scope selects records to invalidate. The zero Scope selects nothing.
type Scope struct {
	All      bool
	Kinds    []core.Kind
	Keys     []core.Key
	BudgetID string
}

type pendingWrite struct {
	PendingOp
	entity core.Entity
}

type record struct {
	base     core.Entity
	visible  core.Entity
	deleted  bool
	cachedAt time.Time
	pending  []pendingWrite
	stale    bool
}

// Store is the local mirror of the ledger. ApplyOptimistic is the only way
// to mark a record pending and Settle the only way to clear it. Reads never
// touch the network.
type Store struct {
	mu      sync.Mutex
	records map[core.Key]*record
	loaded  map[core.Kind]bool
	seq     uint64
	bus     *events.Bus
	now     func() time.Time
}

// NewStore returns an empty cache publishing its changes on bus (may be nil).
func NewStore(bus *events.Bus) *Store {
	return &Store{
		records: make(map[core.Key]*record),
		loaded:  make(map[core.Kind]bool),
		bus:     bus,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for CachedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Get returns the freshest copy of a record. ok is false when the record is
// unknown and must be fetched from the ledger.
func (s *Store) Get(kind core.Kind, id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.Key{Kind: kind, ID: id}
	r, ok := s.records[key]
	if !ok {
		return Entry{}, false
	}
	return r.entry(key), true
}

// Loaded reports whether a full list of kind has been installed since the
// last invalidation touching it.
func (s *Store) Loaded(kind core.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[kind]
}

// List returns the visible, not deleted records of kind accepted by match
// (nil matches all), ordered by id.
func (s *Store) List(kind core.Kind, match func(core.Entity) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for key, r := range s.records {
		if key.Kind != kind || r.deleted || r.visible == nil {
			continue
		}
		if match != nil && !match(r.visible) {
			continue
		}
		out = append(out, r.entry(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingCount returns the number of unsettled writes.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		n += len(r.pending)
	}
	return n
}

// ApplyOptimistic makes m visible immediately and marks the record pending.
func (s *Store) ApplyOptimistic(ctx context.Context, m Mutation) (Handle, error) {
	if m.Entity == nil {
		return Handle{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "mutation has no entity")
	}
	key := core.KeyOf(m.Entity)

	s.mu.Lock()
	r, exists := s.records[key]
	switch m.Op {
	case core.OpCreate:
		if exists && (r.visible != nil && !r.deleted) {
			s.mu.Unlock()
			return Handle{}, apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("%s already exists", key))
		}
	case core.OpUpdate, core.OpDelete:
		if !exists || r.visible == nil || r.deleted {
			s.mu.Unlock()
			return Handle{}, apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("%s is not cached", key))
		}
	default:
		s.mu.Unlock()
		return Handle{}, apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Errorf("unknown op %q", m.Op))
	}
	if !exists {
		r = &record{}
		s.records[key] = r
	}

	s.seq++
	now := s.now()
	h := Handle{Seq: s.seq, Key: key, Op: m.Op, PendingAhead: len(r.pending)}
	if r.base != nil {
		h.BaseVersion = r.base.Metadata().Version
	}
	prev := r.visibleOrNil()
	r.pending = append(r.pending, pendingWrite{
		PendingOp: PendingOp{Seq: h.Seq, Op: m.Op, AppliedAt: now},
		entity:    m.Entity,
	})
	r.replay()
	r.cachedAt = now
	change := events.NewChange(events.Optimistic, m.Op, key, r.visibleOrNil(), prev)
	s.mu.Unlock()

	s.publish(ctx, change)
	return h, nil
}

// Settle resolves the optimistic write h. A committed outcome installs the
// ledger's state; anything else discards the write and restores the last
// committed state (dropping a never-committed create).
func (s *Store) Settle(ctx context.Context, h Handle, out Outcome) error {
	s.mu.Lock()
	r, ok := s.records[h.Key]
	idx := -1
	if ok {
		for i, p := range r.pending {
			if p.Seq == h.Seq {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Errorf("write %d on %s is not pending", h.Seq, h.Key))
	}

	prev := r.visible
	r.pending = append(r.pending[:idx:idx], r.pending[idx+1:]...)
	reason := events.RolledBack
	if out.Committed {
		reason = events.Committed
		r.install(out.Entity)
		r.cachedAt = s.now()
		r.stale = false
	}
	r.replay()
	next := r.visibleOrNil()
	if r.visible == nil && len(r.pending) == 0 {
		delete(s.records, h.Key)
	}
	change := events.NewChange(reason, h.Op, h.Key, next, prev)
	change.Err = out.Err
	if out.Committed && out.Entity != nil {
		change.Entity = out.Entity
		change.BudgetIDs = core.AffectedBudgets(next, prev, out.Entity)
	}
	s.mu.Unlock()

	s.publish(ctx, change)
	return nil
}

// Put installs an authoritative copy fetched from the ledger or received
// from another session. Older versions than the cached committed copy are
// ignored and pending writes stay on top.
func (s *Store) Put(ctx context.Context, e core.Entity) {
	s.mu.Lock()
	change, changed := s.putLocked(e, events.Refreshed)
	s.mu.Unlock()
	if changed {
		s.publish(ctx, change)
	}
}

// ApplyRemote installs a record committed by another session. It behaves
// like Put but the published change is marked Remote.
func (s *Store) ApplyRemote(ctx context.Context, e core.Entity) bool {
	s.mu.Lock()
	change, changed := s.putLocked(e, events.Remote)
	s.mu.Unlock()
	if changed {
		s.publish(ctx, change)
	}
	return changed
}

func (s *Store) putLocked(e core.Entity, reason events.Reason) (events.Change, bool) {
	key := core.KeyOf(e)
	r, ok := s.records[key]
	if ok && r.base != nil && r.base.Metadata().Version > e.Metadata().Version {
		return events.Change{}, false
	}
	if !ok {
		if e.Metadata().IsDeleted() {
			return events.Change{}, false
		}
		r = &record{}
		s.records[key] = r
	}
	prev := r.visibleOrNil()
	r.install(e)
	r.replay()
	r.cachedAt = s.now()
	r.stale = false
	if r.visible == nil && len(r.pending) == 0 {
		delete(s.records, key)
	}
	op := core.OpUpdate
	if e.Metadata().IsDeleted() {
		op = core.OpDelete
	}
	return events.NewChange(reason, op, key, r.visibleOrNil(), prev), true
}

// Load installs the complete committed list of kind. Committed records of
// kind missing from entities were deleted elsewhere and are dropped.
func (s *Store) Load(ctx context.Context, kind core.Kind, entities []core.Entity) {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(entities))
	var prevs, nexts []core.Entity
	for _, e := range entities {
		if e.EntityKind() != kind {
			continue
		}
		seen[e.EntityID()] = struct{}{}
		if c, ok := s.putLocked(e, events.Refreshed); ok {
			prevs = append(prevs, c.Previous)
			nexts = append(nexts, c.Entity)
		}
	}
	for key, r := range s.records {
		if key.Kind != kind {
			continue
		}
		if _, ok := seen[key.ID]; ok || r.base == nil {
			continue
		}
		prevs = append(prevs, r.visibleOrNil())
		r.base = nil
		r.replay()
		if r.visible == nil && len(r.pending) == 0 {
			delete(s.records, key)
		} else {
			nexts = append(nexts, r.visibleOrNil())
		}
	}
	s.loaded[kind] = true
	change := events.Change{
		Reason:    events.Refreshed,
		Key:       core.Key{Kind: kind},
		BudgetIDs: core.AffectedBudgets(append(prevs, nexts...)...),
		At:        s.now(),
	}
	s.mu.Unlock()

	s.publish(ctx, change)
}

// Invalidate drops committed copies in scope so the next read refetches
// them. Records with pending writes are kept and marked stale.
func (s *Store) Invalidate(ctx context.Context, scope Scope) int {
	s.mu.Lock()
	kinds := make(map[core.Kind]bool, len(scope.Kinds))
	for _, k := range scope.Kinds {
		kinds[k] = true
	}
	keys := make(map[core.Key]bool, len(scope.Keys))
	for _, k := range scope.Keys {
		keys[k] = true
	}

	dropped := 0
	var touched []core.Entity
	for key, r := range s.records {
		if !scope.matches(key, r.visibleOrNil(), r.base, kinds, keys) {
			continue
		}
		touched = append(touched, r.visibleOrNil(), r.base)
		s.loaded[key.Kind] = false
		if len(r.pending) > 0 {
			r.stale = true
			continue
		}
		delete(s.records, key)
		dropped++
	}
	if scope.All {
		s.loaded = make(map[core.Kind]bool)
	}
	for k := range kinds {
		s.loaded[k] = false
	}
	change := events.Change{
		Reason:    events.Invalidated,
		BudgetIDs: core.AffectedBudgets(touched...),
		At:        s.now(),
	}
	if scope.BudgetID != "" {
		change.BudgetIDs = mergeID(change.BudgetIDs, scope.BudgetID)
	}
	s.mu.Unlock()

	s.publish(ctx, change)
	return dropped
}

func (sc Scope) matches(key core.Key, visible, base core.Entity, kinds map[core.Kind]bool, keys map[core.Key]bool) bool {
	if sc.All || kinds[key.Kind] || keys[key] {
		return true
	}
	if sc.BudgetID == "" {
		return false
	}
	for _, id := range core.AffectedBudgets(visible, base) {
		if id == sc.BudgetID {
			return true
		}
	}
	return false
}

func (s *Store) publish(ctx context.Context, c events.Change) {
	if s.bus != nil {
		s.bus.Publish(ctx, c)
	}
}

// install replaces the committed copy. A soft-deleted copy clears it.
func (r *record) install(e core.Entity) {
	if e == nil || e.Metadata().IsDeleted() {
		r.base = nil
		return
	}
	r.base = e
}

// replay recomputes the visible state from the committed copy and the
// pending writes in order.
func (r *record) replay() {
	r.visible = r.base
	r.deleted = false
	for _, p := range r.pending {
		switch p.Op {
		case core.OpCreate, core.OpUpdate:
			r.visible = p.entity
			r.deleted = false
		case core.OpDelete:
			r.deleted = true
		}
	}
	if r.visible == nil {
		r.deleted = false
	}
}

func (r *record) visibleOrNil() core.Entity {
	if r.deleted {
		return nil
	}
	return r.visible
}

func (r *record) entry(key core.Key) Entry {
	e := Entry{
		Kind:        key.Kind,
		ID:          key.ID,
		Entity:      r.visible,
		Deleted:     r.deleted,
		CachedAt:    r.cachedAt,
		PendingSync: len(r.pending) > 0,
		Stale:       r.stale,
	}
	if len(r.pending) > 0 {
		e.PendingOps = make([]PendingOp, len(r.pending))
		for i, p := range r.pending {
			e.PendingOps[i] = p.PendingOp
		}
	}
	return e
}

func mergeID(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
