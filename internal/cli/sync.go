package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/cache"
)

func (r *root) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refetch ledger state and report reconciler counters",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			if err := app.Tracker.Refresh(ctx, cache.Scope{All: true}); err != nil {
				return err
			}
			if err := app.Tracker.Sync(ctx); err != nil {
				return err
			}
			s := app.Tracker.Stats()
			tw := newTable(cmd.OutOrStdout(), "QUEUED", "SUBMITTED", "COMMITTED", "REJECTED", "WITHDRAWN", "RETRIES")
			row(tw, s.Queued, s.Submitted, s.Committed, s.Rejected, s.Withdrawn, s.Retries)
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s has %d unconfirmed local changes\n", app.Tracker.Identity().SessionID, app.Tracker.Cache().PendingCount())
			return nil
		}),
	}
}
