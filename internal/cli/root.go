package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ledgersync/internal/backend"
	"ledgersync/internal/config"
	"ledgersync/internal/core"
	"ledgersync/internal/services"
)

// Option customizes the root command.
type Option func(*root)

// WithFactory replaces the backend factory.
func WithFactory(f backend.Factory) Option {
	return func(r *root) { r.factory = f }
}

// WithConfig skips environment loading and uses cfg as the base config.
func WithConfig(cfg *config.Config) Option {
	return func(r *root) { r.base = cfg }
}

type root struct {
	factory backend.Factory
	base    *config.Config
	cfg     *config.Config

	flagBackend string
	flagDB      string
	flagUser    string
	flagFlaky   float64
}

// NewRootCommand builds the ledgerctl command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	r := &root{}
	for _, opt := range opts {
		opt(r)
	}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Personal ledger with optimistic local writes",
		Long:          "Record budgets, allocations and transactions against a ledger and watch budget health.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.loadConfig(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&r.flagBackend, "backend", "", "Ledger backend: memory, sqlite or postgres")
	pf.StringVar(&r.flagDB, "db", "", "SQLite database path")
	pf.StringVarP(&r.flagUser, "user", "u", "", "User the session writes for")
	pf.Float64Var(&r.flagFlaky, "flaky", 0, "Fail this fraction of ledger writes with transient errors")

	cmd.AddCommand(
		r.categoryCommand(),
		r.budgetCommand(),
		r.transactionCommand(),
		r.allocationCommand(),
		r.rollupCommand(),
		r.syncCommand(),
		r.workerCommand(),
	)
	return cmd
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (r *root) loadConfig(cmd *cobra.Command) error {
	var cfg config.Config
	if r.base != nil {
		cfg = *r.base
	} else {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.DataBackend = r.flagBackend
	}
	if flags.Changed("db") {
		cfg.SQLiteDBPath = r.flagDB
	}
	if flags.Changed("user") {
		cfg.UserID = r.flagUser
	}
	if flags.Changed("flaky") {
		cfg.FailureRate = r.flagFlaky
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = &cfg

	if r.base == nil {
		SetupLogger(r.cfg, "ledgerctl")
	}
	if r.factory == nil {
		r.factory = backend.NewFactory(nil)
	}
	return nil
}

// withApp opens a session for the duration of fn.
func (r *root) withApp(fn func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, ctx, err := OpenApp(cmd.Context(), r.cfg, r.factory)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := app.Close(ctx); err == nil {
				err = cerr
			}
		}()
		return fn(ctx, cmd, app, args)
	}
}

// commit reconciles a write with the ledger before returning it.
func commit[T core.Entity](ctx context.Context, app *App, res services.Result[T]) (T, error) {
	if !res.Success {
		return res.Entity, res.Err
	}
	if err := app.Tracker.Sync(ctx); err != nil {
		return res.Entity, err
	}
	settled := services.Settle(ctx, res)
	if !settled.Success {
		return settled.Entity, settled.Err
	}
	return settled.Entity, nil
}
