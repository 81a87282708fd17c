// Package events carries change notifications between the cache, the
// reconciler, the rollup engine and the outbound forwarders.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/core"
)

// Reason says why an entity's visible state changed.
type Reason string

const (
	// Optimistic: a local mutation was applied ahead of the ledger.
	Optimistic Reason = "optimistic"
	// Committed: the ledger accepted a mutation.
	Committed Reason = "committed"
	// RolledBack: the ledger rejected a mutation or it was withdrawn.
	RolledBack Reason = "rolled_back"
	// Refreshed: authoritative copies were (re)loaded into the cache.
	Refreshed Reason = "refreshed"
	// Invalidated: cached copies were dropped and must be refetched.
	Invalidated Reason = "invalidated"
	// Remote: another session committed a change.
	Remote Reason = "remote"
)

// Change is one notification. Entity is the state after the change and is
// nil when an optimistic create was dropped.
type Change struct {
	Reason    Reason
	Op        core.Op
	Key       core.Key
	Entity    core.Entity
	Previous  core.Entity
	BudgetIDs []string
	UserID    string
	SessionID string
	Err       error
	At        time.Time
}

// NewChange fills Key and BudgetIDs from the entity states. A transaction
// moved between budgets names both.
func NewChange(reason Reason, op core.Op, key core.Key, next, prev core.Entity) Change {
	return Change{
		Reason:    reason,
		Op:        op,
		Key:       key,
		Entity:    next,
		Previous:  prev,
		BudgetIDs: core.AffectedBudgets(next, prev),
		At:        time.Now().UTC(),
	}
}

// AffectsBudget reports whether the change touches budgetID.
func (c Change) AffectsBudget(budgetID string) bool {
	i := sort.SearchStrings(c.BudgetIDs, budgetID)
	return i < len(c.BudgetIDs) && c.BudgetIDs[i] == budgetID
}

// Handler receives changes synchronously on the publisher's goroutine.
type Handler func(ctx context.Context, c Change)

// Bus fans changes out to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers c to every subscriber. Handlers must not block.
func (b *Bus) Publish(ctx context.Context, c Change) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ctx, c)
	}
}
