package cli

import (
	"context"
	"fmt"
	"log/slog"

	"ledgersync/internal/amqp"
	"ledgersync/internal/backend"
	"ledgersync/internal/config"
	"ledgersync/internal/log"
	"ledgersync/internal/services"
)

// App is one ledgerctl session: a tracker over the configured ledger, plus
// change fan-out when a broker is configured.
type App struct {
	Config  *config.Config
	Backend *backend.BackendResult
	Tracker *services.Tracker

	forwarder *amqp.Forwarder
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// OpenApp builds the backend and a tracker for cfg.UserID. The returned
// context carries the session logger.
func OpenApp(ctx context.Context, cfg *config.Config, factory backend.Factory) (*App, context.Context, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, ctx, err
	}
	// A session listens on its own queue; the named queue belongs to the
	// journal worker.
	bcfg.AMQPQueue = ""
	bcfg.Journal = backend.NoJournal

	res, err := factory.CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, ctx, err
	}

	logger := slog.Default().With(log.FieldComponent, log.ComponentCLI)
	tracker, err := services.NewTracker(res.Store, services.Identity{UserID: cfg.UserID}, TrackerOptions(cfg, logger))
	if err != nil {
		_ = res.Cleanup()
		return nil, ctx, err
	}
	id := tracker.Identity()
	ctx = log.WithSession(ctx, id.SessionID)

	runCtx, cancel := context.WithCancel(ctx)
	app := &App{Config: cfg, Backend: res, Tracker: tracker, cancel: cancel, logger: logger}

	if res.Broker != nil {
		app.forwarder = amqp.NewForwarder(res.Broker, id.UserID, id.SessionID, 256)
		tracker.Bus().Subscribe(app.forwarder.Handle)
		go app.forwarder.Run(runCtx)

		listener := amqp.NewListener(tracker, id.UserID, id.SessionID)
		go func() {
			if err := res.Broker.RunConsumer(runCtx, listener.HandleMessage); err != nil && runCtx.Err() == nil {
				logger.WarnContext(runCtx, "Change consumer stopped", "error", err)
			}
		}()
	}
	return app, ctx, nil
}

// Close drains the reconciler, publishes any queued change messages and
// releases the backend.
func (a *App) Close(ctx context.Context) error {
	syncErr := a.Tracker.Sync(ctx)
	a.cancel()
	if a.forwarder != nil {
		if err := a.forwarder.Flush(ctx); err != nil {
			a.logger.WarnContext(ctx, "Failed to flush change messages", "error", err)
		}
	}
	closeErr := a.Tracker.Close(ctx)
	cleanupErr := a.Backend.Cleanup()

	switch {
	case syncErr != nil:
		return fmt.Errorf("sync pending writes: %w", syncErr)
	case closeErr != nil:
		return closeErr
	default:
		return cleanupErr
	}
}
