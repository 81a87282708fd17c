package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
	"ledgersync/internal/services"
)

func (r *root) budgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage monthly budgets",
	}
	cmd.AddCommand(r.budgetAdd(), r.budgetList(), r.budgetUpdate(), r.budgetRemove())
	return cmd
}

func (r *root) budgetAdd() *cobra.Command {
	var total, status string
	now := time.Now()
	in := services.BudgetInput{Month: int(now.Month()), Year: now.Year()}

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a budget",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			cents, err := parseAmount(total)
			if err != nil {
				return err
			}
			in.Name = args[0]
			in.TotalCents = cents
			in.Status = core.BudgetStatus(status)
			b, err := commit(ctx, app, app.Tracker.CreateBudget(ctx, in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created budget %s (%s, %s)\n", b.ID, b.Name, b.Total)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&total, "total", "t", "", "Budget total, e.g. 1500.00")
	cmd.Flags().IntVar(&in.Month, "month", in.Month, "Month (1-12)")
	cmd.Flags().IntVar(&in.Year, "year", in.Year, "Year")
	cmd.Flags().StringVar(&status, "status", "", "draft, active or closed (default active)")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func (r *root) budgetList() *cobra.Command {
	var filter ledger.BudgetFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budgets",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			filter.Status = core.BudgetStatus(status)
			budgets, err := app.Tracker.ListBudgets(ctx, filter)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "PERIOD", "TOTAL", "STATUS", "VERSION")
			for _, b := range budgets {
				row(tw, b.ID, b.Name, fmt.Sprintf("%04d-%02d", b.Year, b.Month), b.Total, b.Status, b.Version)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVar(&filter.Month, "month", 0, "Only this month")
	cmd.Flags().IntVar(&filter.Year, "year", 0, "Only this year")
	cmd.Flags().StringVar(&status, "status", "", "Only this status")
	return cmd
}

func (r *root) budgetUpdate() *cobra.Command {
	var name, total, status string
	var month, year int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a budget's name, total, period or status",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			current, err := app.Tracker.GetBudget(ctx, args[0])
			if err != nil {
				return err
			}
			in := services.BudgetInput{
				Name:       current.Name,
				TotalCents: current.Total.Cents,
				Month:      current.Month,
				Year:       current.Year,
			}
			flags := cmd.Flags()
			if flags.Changed("name") {
				in.Name = name
			}
			if flags.Changed("total") {
				if in.TotalCents, err = parseAmount(total); err != nil {
					return err
				}
			}
			if flags.Changed("month") {
				in.Month = month
			}
			if flags.Changed("year") {
				in.Year = year
			}
			if flags.Changed("status") {
				in.Status = core.BudgetStatus(status)
			}
			b, err := commit(ctx, app, app.Tracker.UpdateBudget(ctx, args[0], in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated budget %s to version %d (%s, %s)\n", b.ID, b.Version, b.Total, b.Status)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVarP(&total, "total", "t", "", "New total")
	cmd.Flags().IntVar(&month, "month", 0, "New month")
	cmd.Flags().IntVar(&year, "year", 0, "New year")
	cmd.Flags().StringVar(&status, "status", "", "New status")
	return cmd
}

func (r *root) budgetRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a budget and its allocations",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			if _, err := commit(ctx, app, app.Tracker.DeleteBudget(ctx, args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted budget %s\n", args[0])
			return nil
		}),
	}
}
