// Package worker mirrors committed ledger writes into the journal.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ledgersync/internal/amqp"
	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
	"ledgersync/internal/log"
	"ledgersync/internal/sheets"
)

// JournalWorker appends committed entities to a journal. Change messages
// are the fast path; CatchUp replays the ledger change feed to recover
// messages lost while the worker was down.
type JournalWorker struct {
	journal   sheets.JournalWriter
	feed      ledger.ChangeFeed
	batchSize int
	logger    *slog.Logger

	mu    sync.Mutex
	since time.Time
}

// NewJournalWorker returns a worker. feed may be nil, which disables
// catch-up.
func NewJournalWorker(journal sheets.JournalWriter, feed ledger.ChangeFeed, batchSize int) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &JournalWorker{
		journal:   journal,
		feed:      feed,
		batchSize: batchSize,
		logger:    slog.Default().With(log.FieldComponent, log.ComponentWorker),
	}
}

// HandleChangeMessage processes a single change message from AMQP.
func (w *JournalWorker) HandleChangeMessage(ctx context.Context, msg *amqp.ChangeMessage) error {
	w.logger.DebugContext(ctx, "Processing change message",
		log.FieldEntityKind, string(msg.Kind),
		log.FieldEntityID, msg.ID,
		"version", msg.Version)

	e, err := msg.Entity()
	if err != nil {
		return fmt.Errorf("decode %s: %w", msg.Key(), err)
	}
	return w.append(ctx, e)
}

// CatchUp appends every change committed after the watermark and returns
// how many entities it processed.
func (w *JournalWorker) CatchUp(ctx context.Context) (int, error) {
	if w.feed == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	limit := w.batchSize
	for {
		batch, err := w.feed.ChangesSince(ctx, w.since, limit)
		if err != nil {
			return total, fmt.Errorf("read change feed: %w", err)
		}
		for _, e := range batch {
			if err := w.append(ctx, e); err != nil {
				return total, err
			}
			total++
		}
		if len(batch) == 0 {
			return total, nil
		}

		first := batch[0].Metadata().UpdatedAt
		last := batch[len(batch)-1].Metadata().UpdatedAt
		switch {
		case len(batch) < limit:
			w.since = last
			return total, nil
		case first.Equal(last):
			// The whole page shares one timestamp and may be cut. Widen
			// the page; the journal skips refs it already recorded.
			limit *= 2
		default:
			// Re-read the last timestamp group, it may be incomplete.
			w.since = last.Add(-time.Nanosecond)
			limit = w.batchSize
		}
	}
}

// Watermark returns the commit time up to which the feed has been mirrored.
func (w *JournalWorker) Watermark() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.since
}

// RunCatchUp calls CatchUp immediately and then every interval until ctx
// is done.
func (w *JournalWorker) RunCatchUp(ctx context.Context, interval time.Duration) {
	if w.feed == nil {
		return
	}
	w.catchUpLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.catchUpLogged(ctx)
		}
	}
}

func (w *JournalWorker) catchUpLogged(ctx context.Context) {
	n, err := w.CatchUp(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "Journal catch-up failed", "processed", n, "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "Journal catch-up completed", "processed", n)
	}
}

func (w *JournalWorker) append(ctx context.Context, e core.Entity) error {
	entry := sheets.EntryOf(e)
	ref, err := w.journal.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("append %s: %w", entry.Ref(), err)
	}
	w.logger.DebugContext(ctx, "Journaled ledger change",
		log.FieldJournalRef, entry.Ref(),
		"row", ref,
		"op", string(entry.Op))
	return nil
}
