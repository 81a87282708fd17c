package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/ledger"
	"ledgersync/internal/services"
)

func (r *root) allocationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alloc",
		Aliases: []string{"allocation"},
		Short:   "Plan funds per budget and category",
	}

	var in services.AllocationInput
	var amount, date string
	add := &cobra.Command{
		Use:   "add",
		Short: "Allocate part of a budget to a category",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			cents, err := parseAmount(amount)
			if err != nil {
				return err
			}
			if in.Date, err = parseDateOrToday(date); err != nil {
				return err
			}
			in.AmountCents = cents
			a, err := commit(ctx, app, app.Tracker.CreateAllocation(ctx, in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Allocated %s to category %s in budget %s (%s)\n", a.Amount, a.CategoryID, a.BudgetID, a.ID)
			return nil
		}),
	}
	add.Flags().StringVarP(&in.BudgetID, "budget", "b", "", "Budget ID")
	add.Flags().StringVarP(&in.CategoryID, "category", "c", "", "Category ID")
	add.Flags().StringVarP(&amount, "amount", "a", "", "Amount, e.g. 300.00")
	add.Flags().StringVarP(&date, "date", "d", "", "Date yyyy-mm-dd (default today)")
	add.Flags().StringVar(&in.Description, "desc", "", "Description")
	_ = add.MarkFlagRequired("budget")
	_ = add.MarkFlagRequired("category")
	_ = add.MarkFlagRequired("amount")

	var filter ledger.AllocationFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List allocations",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			allocs, err := app.Tracker.ListAllocations(ctx, filter)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "BUDGET", "CATEGORY", "AMOUNT", "DATE", "DESCRIPTION")
			for _, a := range allocs {
				row(tw, a.ID, a.BudgetID, a.CategoryID, a.Amount, a.Date, dash(a.Description))
			}
			return tw.Flush()
		}),
	}
	list.Flags().StringVarP(&filter.BudgetID, "budget", "b", "", "Only this budget")
	list.Flags().StringVarP(&filter.CategoryID, "category", "c", "", "Only this category")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			if _, err := commit(ctx, app, app.Tracker.DeleteAllocation(ctx, args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted allocation %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}
