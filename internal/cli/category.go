package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/core"
	"ledgersync/internal/services"
)

func (r *root) categoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "category",
		Aliases: []string{"cat"},
		Short:   "Manage categories",
	}

	var in services.CategoryInput
	var kind string
	add := &cobra.Command{
		Use:   "add <label>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			in.Label = args[0]
			in.Kind = core.CategoryKind(kind)
			c, err := commit(ctx, app, app.Tracker.CreateCategory(ctx, in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created category %s (%s)\n", c.ID, c.Label)
			return nil
		}),
	}
	add.Flags().StringVarP(&kind, "kind", "k", string(core.CategoryExpense), "expense or income")
	add.Flags().StringVar(&in.Color, "color", "", "Hex color, e.g. #4caf50")

	list := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		Args:  cobra.NoArgs,
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, _ []string) error {
			cats, err := app.Tracker.ListCategories(ctx)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "LABEL", "KIND", "COLOR")
			for _, c := range cats {
				row(tw, c.ID, c.Label, c.Kind, dash(c.Color))
			}
			return tw.Flush()
		}),
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an unused category",
		Args:  cobra.ExactArgs(1),
		RunE: r.withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			if _, err := commit(ctx, app, app.Tracker.DeleteCategory(ctx, args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted category %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}
