// Package ratelimit caps how many calls per key may start within a fixed
// window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most Limit calls per key in each Window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

type window struct {
	start time.Time
	count int
}

// Config holds rate limiter configuration
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig matches the Sheets API per-user write quota.
func DefaultConfig() Config {
	return Config{
		Limit:  60,
		Window: time.Minute,
	}
}

// NewLimiter creates a new rate limiter
func NewLimiter(config Config) *Limiter {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		windows: make(map[string]*window),
		limit:   config.Limit,
		period:  config.Window,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetClock replaces the time source and the wait function. Tests only.
func (l *Limiter) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
}

// Allow records a call for key and reports whether it fits the window.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.reserve(key)
	return ok
}

// Wait blocks until a call for key is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		ok, retryIn := l.reserve(key)
		if ok {
			return nil
		}
		l.mu.Lock()
		sleep := l.sleep
		l.mu.Unlock()
		if err := sleep(ctx, retryIn); err != nil {
			return err
		}
	}
}

// reserve admits a call or returns how long until the window resets.
func (l *Limiter) reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.period {
		l.dropExpiredLocked(now)
		l.windows[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count < l.limit {
		w.count++
		return true, 0
	}
	return false, w.start.Add(l.period).Sub(now)
}

func (l *Limiter) dropExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, key)
		}
	}
}

// ActiveKeys returns the number of keys with an open window.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
