package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"ledgersync/internal/core"
)

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cells ...any) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parseAmount(s string) (int64, error) {
	cents, err := core.ParseDecimalToCents(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return cents, nil
}

// parseDateOrToday parses yyyy-mm-dd; empty means today in UTC.
func parseDateOrToday(s string) (core.Date, error) {
	if s == "" {
		now := time.Now().UTC()
		return core.NewDate(now.Year(), int(now.Month()), now.Day()), nil
	}
	return core.ParseDate(s)
}

func printRollup(w io.Writer, r core.BudgetRollup) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Budget\t%s\n", r.BudgetID)
	fmt.Fprintf(tw, "Total\t%s\n", r.Total)
	fmt.Fprintf(tw, "Spent\t%s\n", r.SpentAmount)
	fmt.Fprintf(tw, "Available\t%s\n", r.AvailableAmount)
	fmt.Fprintf(tw, "Allocated\t%s\n", r.AllocatedAmount)
	fmt.Fprintf(tw, "Unallocated\t%s\n", r.UnallocatedAmount)
	fmt.Fprintf(tw, "Used\t%.1f%% [%s]\n", r.PercentageUsed, bar(r.DisplayPercentage, 20))
	fmt.Fprintf(tw, "Health\t%s\n", r.HealthStatus)
	fmt.Fprintf(tw, "Transactions\t%d\n", r.TransactionCount)
	fmt.Fprintf(tw, "Allocations\t%d\n", r.AllocationCount)
	if r.Pending {
		fmt.Fprintf(tw, "Pending\tyes\n")
	}
	tw.Flush()
}

func bar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}
