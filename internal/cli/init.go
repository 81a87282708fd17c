// Package cli wires configuration, logging and the backend into the
// ledgerctl commands and the ledger-worker daemon.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/internal/config"
	"ledgersync/internal/log"
	"ledgersync/internal/reconcile"
	"ledgersync/internal/rollup"
	"ledgersync/internal/services"
)

// SetupLogger installs the process logger configured by cfg.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	return log.Setup(component, cfg.LogLevel, cfg.LogFormat)
}

// LoadAndValidateConfig loads configuration and validates it.
func LoadAndValidateConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TrackerOptions maps configuration onto tracker options.
func TrackerOptions(cfg *config.Config, logger *slog.Logger) services.Options {
	opts := services.DefaultOptions()
	opts.Thresholds = rollup.Thresholds{
		WarningPercent:  cfg.WarningPercent,
		ExceededPercent: cfg.ExceededPercent,
	}
	opts.Reconcile = reconcile.Config{
		PollInterval: cfg.PollInterval,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Concurrency:  cfg.DrainConcurrency,
	}
	opts.Logger = logger
	return opts
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM. cleanup
// runs with a context bounded by timeout before the returned channel closes.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
