package amqp

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/events"
	"ledgersync/internal/ledger"
	"ledgersync/internal/ledger/memory"
	"ledgersync/internal/services"
	"ledgersync/internal/testutil"
)

// loopback delivers published messages straight to listeners, standing in
// for the broker.
type loopback struct {
	mu        sync.Mutex
	published []*ChangeMessage
	listeners []*Listener
}

func (l *loopback) PublishChange(ctx context.Context, msg *ChangeMessage) error {
	l.mu.Lock()
	l.published = append(l.published, msg)
	listeners := append([]*Listener(nil), l.listeners...)
	l.mu.Unlock()
	for _, ln := range listeners {
		if err := ln.HandleMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.published)
}

func TestForwarderPublishesCommitsOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &loopback{}
	f := NewForwarder(pub, testutil.TestUserID, "s1", 8)
	go f.Run(ctx)

	tx := testutil.NewExpense("c1", "b1", 100)
	f.Handle(ctx, events.NewChange(events.Optimistic, core.OpCreate, core.KeyOf(tx), tx, nil))
	f.Handle(ctx, events.NewChange(events.RolledBack, core.OpCreate, core.KeyOf(tx), nil, tx))
	f.Handle(ctx, events.NewChange(events.Committed, core.OpCreate, core.KeyOf(tx), tx, nil))

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := pub.count(); n != 1 {
		t.Fatalf("expected 1 published message, got %d", n)
	}
	msg := pub.published[0]
	if msg.UserID != testutil.TestUserID || msg.SessionID != "s1" || msg.Op != core.OpCreate {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestForwarderDropsWhenFull(t *testing.T) {
	f := NewForwarder(&loopback{}, testutil.TestUserID, "s1", 1)
	tx := testutil.NewExpense("c1", "", 100)
	c := events.NewChange(events.Committed, core.OpCreate, core.KeyOf(tx), tx, nil)
	f.Handle(context.Background(), c)
	f.Handle(context.Background(), c)
	if f.Dropped() != 1 {
		t.Errorf("expected 1 dropped message, got %d", f.Dropped())
	}
}

func TestFlushPublishesQueuedTail(t *testing.T) {
	pub := &loopback{}
	f := NewForwarder(pub, testutil.TestUserID, "s1", 4)
	for i := 0; i < 3; i++ {
		tx := testutil.NewExpense("c1", "", 100)
		f.Handle(context.Background(), events.NewChange(events.Committed, core.OpCreate, core.KeyOf(tx), tx, nil))
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if pub.count() != 3 {
		t.Errorf("expected 3 published messages, got %d", pub.count())
	}
}

func newSession(t *testing.T, store ledger.Store, sessionID string) *services.Tracker {
	t.Helper()
	opts := services.DefaultOptions()
	opts.Reconcile.BaseDelay = time.Millisecond
	tr, err := services.NewTracker(store, services.Identity{UserID: testutil.TestUserID, SessionID: sessionID}, opts)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestSessionsSeeEachOthersCommits(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cat := testutil.CreateTestCategory(t, mem, "Groceries")
	budget := testutil.CreateTestBudget(t, mem, "January", 100000)

	a := newSession(t, mem, "session-a")
	b := newSession(t, mem, "session-b")

	// b has its rollup cached before a writes.
	before, err := b.GetRollup(ctx, budget.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertCents(t, "spent before", before.SpentAmount.Cents, 0)

	pub := &loopback{}
	pub.listeners = []*Listener{
		NewListener(a, testutil.TestUserID, "session-a"),
		NewListener(b, testutil.TestUserID, "session-b"),
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fwd := NewForwarder(pub, testutil.TestUserID, "session-a", 16)
	a.Bus().Subscribe(fwd.Handle)
	go fwd.Run(runCtx)

	r := a.CreateTransaction(ctx, services.TransactionInput{
		Type:        core.TransactionExpense,
		AmountCents: 40000,
		CategoryID:  cat.ID,
		BudgetID:    budget.ID,
		Date:        core.NewDate(2025, 1, 20),
	})
	if !r.Success {
		t.Fatalf("create failed: %v", r.Err)
	}
	testutil.AssertNoError(t, a.Sync(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for {
		rollup, err := b.GetRollup(ctx, budget.ID)
		testutil.AssertNoError(t, err)
		if rollup.SpentAmount.Cents == 40000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session b never saw the commit, spent=%d", rollup.SpentAmount.Cents)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entry, ok := b.Entry(core.KindTransaction, r.Entity.ID)
	if !ok || entry.PendingSync || entry.Entity.Metadata().Version != 1 {
		t.Errorf("expected committed copy in session b, got %+v", entry)
	}
}

func TestListenerIgnoresOwnSessionAndOtherUsers(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newSession(t, mem, "session-a")
	ln := NewListener(tr, testutil.TestUserID, "session-a")

	cat := testutil.NewCategory("Rent")
	cat.Version = 1
	own, err := NewChangeMessage(core.OpCreate, cat, testutil.TestUserID, "session-a")
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, ln.HandleMessage(ctx, own))

	stranger, err := NewChangeMessage(core.OpCreate, cat, "user-2", "session-x")
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, ln.HandleMessage(ctx, stranger))

	if _, ok := tr.Entry(core.KindCategory, cat.ID); ok {
		t.Error("ignored messages reached the cache")
	}

	other, err := NewChangeMessage(core.OpCreate, cat, testutil.TestUserID, "session-b")
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, ln.HandleMessage(ctx, other))
	if _, ok := tr.Entry(core.KindCategory, cat.ID); !ok {
		t.Error("change from another session was not applied")
	}
}
