package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgersync/internal/amqp"
	"ledgersync/internal/ledger/faulty"
	"ledgersync/internal/ledger/memory"
	"ledgersync/internal/sheets"
	"ledgersync/internal/sheets/google"
	journalmem "ledgersync/internal/sheets/memory"
	"ledgersync/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend. A broker that cannot be
// reached is logged and left nil; the ledger and journal must come up.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res := &BackendResult{}
	var cleanups []CleanupFunc
	res.Cleanup = func() error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			errs = append(errs, cleanups[i]())
		}
		return errors.Join(errs...)
	}

	switch config.Type {
	case MemoryBackend:
		store := memory.New()
		res.Store, res.Feed = store, store
		f.logger.Info("Initialized memory ledger")
	case SQLiteBackend, PostgresBackend:
		store, err := f.openSQL(config)
		if err != nil {
			return nil, err
		}
		res.Store, res.Feed = store, store
		cleanups = append(cleanups, store.Close)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}

	if config.FailureRate > 0 {
		res.Faults = faulty.Wrap(res.Store)
		res.Faults.SetFailureRate(config.FailureRate, time.Now().UnixNano())
		res.Store = res.Faults
		f.logger.Info("Ledger failure injection enabled", "rate", config.FailureRate)
	}

	journal, err := f.createJournal(ctx, config)
	if err != nil {
		_ = res.Cleanup()
		return nil, err
	}
	res.Journal = journal

	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without change fan-out", "error", err)
		} else {
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
			res.Broker = client
			cleanups = append(cleanups, client.Close)
		}
	}

	return res, nil
}

func (f *DefaultFactory) openSQL(config Config) (*storage.SQLStore, error) {
	if config.Type == PostgresBackend {
		store, err := storage.OpenPostgres(config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres ledger: %w", err)
		}
		f.logger.Info("Initialized Postgres ledger")
		return store, nil
	}
	store, err := storage.OpenSQLite(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite ledger: %w", err)
	}
	f.logger.Info("Initialized SQLite ledger", "db_path", config.SQLiteDBPath)
	return store, nil
}

func (f *DefaultFactory) createJournal(ctx context.Context, config Config) (sheets.Journal, error) {
	switch config.Journal {
	case SheetsJournal:
		j, err := google.New(ctx, config.Google)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets journal: %w", err)
		}
		f.logger.Info("Initialized Google Sheets journal", "sheet", j.SheetName())
		return j, nil
	case MemoryJournal:
		return journalmem.New(), nil
	default:
		return nil, nil
	}
}
