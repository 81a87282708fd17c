package reconcile

import (
	"context"
	"sync"

	"ledgersync/internal/core"
)

// State of a pending mutation.
type State string

const (
	Queued    State = "queued"
	Submitted State = "submitted"
	Committed State = "committed"
	Rejected  State = "rejected"
	Withdrawn State = "withdrawn"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Committed || s == Rejected || s == Withdrawn
}

// Ticket tracks one enqueued mutation until it is settled.
type Ticket struct {
	Seq uint64
	Key core.Key
	Op  core.Op

	mu       sync.Mutex
	state    State
	attempts int
	entity   core.Entity
	err      error
	settled  bool
	done     chan struct{}
}

func newTicket(seq uint64, key core.Key, op core.Op) *Ticket {
	return &Ticket{Seq: seq, Key: key, Op: op, state: Queued, done: make(chan struct{})}
}

func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns how many times the mutation was submitted.
func (t *Ticket) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Done is closed once the ticket reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the committed entity or the terminal error. It is only
// meaningful after Done is closed.
func (t *Ticket) Result() (core.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entity, t.err
}

// Wait blocks until the ticket settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (core.Entity, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) transition(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	if to == Submitted {
		t.attempts++
	}
	return true
}

func (t *Ticket) finish(state State, entity core.Entity, err error) {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	t.settled = true
	t.state = state
	t.entity = entity
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
