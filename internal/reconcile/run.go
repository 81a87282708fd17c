package reconcile

import (
	"context"
	"fmt"
	"time"
)

// Start begins the background drain loop. Returns an error if already running.
func (r *Reconciler) Start(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return fmt.Errorf("reconciler is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.runMu.Unlock()

	go r.runLoop(ctx)

	r.logger.InfoContext(ctx, "Reconciler started",
		"poll_interval", r.config.PollInterval,
		"max_attempts", r.config.MaxAttempts,
		"concurrency", r.config.Concurrency)
	return nil
}

// Stop signals the loop and waits for the round in progress to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.runMu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		r.logger.InfoContext(ctx, "Reconciler stopped gracefully")
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "Reconciler stop timed out")
		return ctx.Err()
	}

	r.runMu.Lock()
	r.running = false
	r.runMu.Unlock()
	return nil
}

func (r *Reconciler) IsRunning() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.running
}

// Run drains until ctx ends, on every Enqueue and every PollInterval.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop(context.Background())
}

func (r *Reconciler) runLoop(parent context.Context) {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.drainLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.drainLogged(ctx)
		case <-ticker.C:
			r.drainLogged(ctx)
		}
	}
}

func (r *Reconciler) drainLogged(ctx context.Context) {
	if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
		r.logger.ErrorContext(ctx, "Drain failed", "error", err)
	}
}
