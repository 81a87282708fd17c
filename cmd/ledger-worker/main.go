package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ledgersync/internal/backend"
	"ledgersync/internal/cli"
)

func main() {
	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledger-worker:", err)
		os.Exit(1)
	}

	logger := cli.SetupLogger(cfg, "ledger-worker")
	logger.Info("Starting ledger-worker", "backend", cfg.DataBackend, "journal", cfg.JournalBackend)

	stopped := make(chan struct{})
	ctx, done := cli.GracefulShutdown(logger.Logger, 10*time.Second, func(shutdownCtx context.Context) {
		// RunWorker returns once its context is cancelled and cleanup ran.
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
		}
	})

	err = cli.RunWorker(ctx, cfg, backend.NewFactory(logger.Logger), logger.Logger)
	close(stopped)
	if err != nil {
		logger.Error("Journal worker failed", "error", err)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
}
