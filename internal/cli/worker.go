package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ledgersync/internal/backend"
	"ledgersync/internal/config"
	"ledgersync/internal/worker"
)

func (r *root) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Mirror committed ledger changes into the journal until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return RunWorker(cmd.Context(), r.cfg, r.factory, slog.Default())
		},
	}
}

// RunWorker consumes change messages, when a broker is configured, and
// replays the ledger change feed every SyncInterval. It returns nil once
// ctx is cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, factory backend.Factory, logger *slog.Logger) error {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	if bcfg.Journal == backend.NoJournal {
		return errors.New("worker needs a journal: set JOURNAL_BACKEND to memory or sheets")
	}

	res, err := factory.CreateBackend(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", "error", err)
		}
	}()

	w := worker.NewJournalWorker(res.Journal, res.Feed, cfg.SyncBatchSize)
	logger.InfoContext(ctx, "Journal worker started",
		"backend", cfg.DataBackend,
		"journal", cfg.JournalBackend,
		"amqp_enabled", res.Broker != nil,
		"catch_up_interval", cfg.SyncInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.RunCatchUp(gctx, cfg.SyncInterval)
		return nil
	})
	if res.Broker != nil {
		g.Go(func() error {
			return res.Broker.RunConsumer(gctx, w.HandleChangeMessage)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		logger.Info("Journal worker stopped", "watermark", w.Watermark())
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal worker: %w", err)
	}
	return nil
}
