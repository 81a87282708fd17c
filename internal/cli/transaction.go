package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
	"ledgersync/internal/services"
)

type transactionFlags struct {
	txType      string
	amount      string
	category    string
	budget      string
	date        string
	description string
	method      string
}

func (f *transactionFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.txType, "type", string(core.TransactionExpense), "expense or income")
	fl.StringVarP(&f.amount, "amount", "a", "", "Amount, e.g. 12.50")
	fl.StringVarP(&f.category, "category", "c", "", "Category ID")
	fl.StringVarP(&f.budget, "budget", "b", "", "Budget ID to count the transaction against")
	fl.StringVarP(&f.date, "date", "d", "", "Date yyyy-mm-dd (default today)")
	fl.StringVar(&f.description, "desc", "", "Description")
	fl.StringVar(&f.method, "method", "", "Payment method")
}

func (r *root) transactionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tx",
		Aliases: []string{"transaction"},
		Short:   "Record money movements",
	}
	cmd.AddCommand(r.transactionAdd(), r.transactionList(), r.transactionUpdate(), r.transactionRemove())
	return cmd
}

func (r *root) transactionAdd() *cobra.Command {
	var f transactionFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a transaction",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			cents, err := parseAmount(f.amount)
			if err != nil {
				return err
			}
			date, err := parseDateOrToday(f.date)
			if err != nil {
				return err
			}
			in := services.TransactionInput{
				Type:          core.TransactionType(f.txType),
				AmountCents:   cents,
				CategoryID:    f.category,
				BudgetID:      f.budget,
				Date:          date,
				Description:   f.description,
				PaymentMethod: f.method,
			}
			tx, err := commit(ctx, app, app.Tracker.CreateTransaction(ctx, in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s %s (%s)\n", tx.Type, tx.Amount, tx.ID)
			return nil
		}),
	}
	f.bind(cmd)
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func (r *root) transactionList() *cobra.Command {
	var filter ledger.TransactionFilter
	var from, to string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			if from != "" {
				d, err := core.ParseDate(from)
				if err != nil {
					return err
				}
				filter.From = d.Time
			}
			if to != "" {
				d, err := core.ParseDate(to)
				if err != nil {
					return err
				}
				filter.To = d.Time
			}
			txs, err := app.Tracker.ListTransactions(ctx, filter)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "DATE", "TYPE", "AMOUNT", "CATEGORY", "BUDGET", "DESCRIPTION")
			for _, t := range txs {
				row(tw, t.ID, t.Date, t.Type, t.Amount, t.CategoryID, dash(t.BudgetID), dash(t.Description))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVarP(&filter.BudgetID, "budget", "b", "", "Only this budget")
	cmd.Flags().StringVarP(&filter.CategoryID, "category", "c", "", "Only this category")
	cmd.Flags().StringVar(&from, "from", "", "From date yyyy-mm-dd")
	cmd.Flags().StringVar(&to, "to", "", "To date yyyy-mm-dd")
	return cmd
}

func (r *root) transactionUpdate() *cobra.Command {
	var f transactionFlags
	var unlink bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			cur, err := app.Tracker.GetTransaction(ctx, args[0])
			if err != nil {
				return err
			}
			in := services.TransactionInput{
				Type:          cur.Type,
				AmountCents:   cur.Amount.Cents,
				CategoryID:    cur.CategoryID,
				BudgetID:      cur.BudgetID,
				Date:          cur.Date,
				Description:   cur.Description,
				PaymentMethod: cur.PaymentMethod,
			}
			flags := cmd.Flags()
			if flags.Changed("type") {
				in.Type = core.TransactionType(f.txType)
			}
			if flags.Changed("amount") {
				if in.AmountCents, err = parseAmount(f.amount); err != nil {
					return err
				}
			}
			if flags.Changed("category") {
				in.CategoryID = f.category
			}
			if flags.Changed("budget") {
				in.BudgetID = f.budget
			}
			if unlink {
				in.BudgetID = ""
			}
			if flags.Changed("date") {
				if in.Date, err = core.ParseDate(f.date); err != nil {
					return err
				}
			}
			if flags.Changed("desc") {
				in.Description = f.description
			}
			if flags.Changed("method") {
				in.PaymentMethod = f.method
			}
			tx, err := commit(ctx, app, app.Tracker.UpdateTransaction(ctx, args[0], in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated transaction %s to version %d\n", tx.ID, tx.Version)
			return nil
		}),
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&unlink, "unlink", false, "Detach the transaction from its budget")
	return cmd
}

func (r *root) transactionRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			if _, err := commit(ctx, app, app.Tracker.DeleteTransaction(ctx, args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted transaction %s\n", args[0])
			return nil
		}),
	}
}
