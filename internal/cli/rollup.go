package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/ledger"
)

func (r *root) rollupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup [budget-id]",
		Short: "Show budget health",
		Long:  "Show spending against one budget, or a summary line for every budget.",
		Args:  cobra.MaximumNArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				ru, err := app.Tracker.GetRollup(ctx, args[0])
				if err != nil {
					return err
				}
				printRollup(out, ru)
				return nil
			}

			budgets, err := app.Tracker.ListBudgets(ctx, ledger.BudgetFilter{})
			if err != nil {
				return err
			}
			tw := newTable(out, "BUDGET", "NAME", "SPENT", "TOTAL", "USED", "HEALTH")
			for _, b := range budgets {
				ru, err := app.Tracker.GetRollup(ctx, b.ID)
				if err != nil {
					return err
				}
				row(tw, b.ID, b.Name, ru.SpentAmount, ru.Total, fmt.Sprintf("%.1f%%", ru.PercentageUsed), ru.HealthStatus)
			}
			return tw.Flush()
		}),
	}
}
