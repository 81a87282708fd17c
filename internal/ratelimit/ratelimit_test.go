package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(Config{Limit: limit, Window: time.Minute})
	l.SetClock(clock.Now, clock.Sleep)
	return l, clock
}

func TestAllowWithinWindow(t *testing.T) {
	l, clock := newTestLimiter(2)

	if !l.Allow("sheet") || !l.Allow("sheet") {
		t.Fatal("first two calls should pass")
	}
	if l.Allow("sheet") {
		t.Fatal("third call in the window should be refused")
	}
	if !l.Allow("other") {
		t.Fatal("keys are limited independently")
	}

	clock.now = clock.now.Add(time.Minute)
	if !l.Allow("sheet") {
		t.Fatal("a new window should admit calls again")
	}
	if got := l.ActiveKeys(); got != 1 {
		t.Errorf("expired windows should be dropped, got %d keys", got)
	}
}

func TestWaitSleepsUntilWindowResets(t *testing.T) {
	l, clock := newTestLimiter(1)
	ctx := context.Background()

	if err := l.Wait(ctx, "sheet"); err != nil {
		t.Fatal(err)
	}
	clock.now = clock.now.Add(20 * time.Second)
	if err := l.Wait(ctx, "sheet"); err != nil {
		t.Fatal(err)
	}
	if len(clock.slept) != 1 || clock.slept[0] != 40*time.Second {
		t.Errorf("expected one 40s wait, got %v", clock.slept)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx, "sheet"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "sheet"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	l := NewLimiter(Config{})
	if l.limit != 60 || l.period != time.Minute {
		t.Errorf("unexpected defaults %d/%v", l.limit, l.period)
	}
}
