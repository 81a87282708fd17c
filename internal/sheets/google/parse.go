package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/sheets"
)

// parseRow converts one journal row back into an Entry. Trailing empty
// cells may be omitted by the Sheets API.
func parseRow(row []string) (sheets.Entry, error) {
	var e sheets.Entry
	if safeGet(row, 2) == "" || safeGet(row, 3) == "" {
		return e, fmt.Errorf("missing kind or id in %v", row)
	}
	if s := safeGet(row, 1); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return e, fmt.Errorf("committed %q: %w", s, err)
		}
		e.CommittedAt = t.UTC()
	}
	e.Kind = core.Kind(safeGet(row, 2))
	e.ID = safeGet(row, 3)
	e.Op = core.Op(safeGet(row, 4))
	if s := safeGet(row, 5); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return e, fmt.Errorf("version %q: %w", s, err)
		}
		e.Version = v
	}
	e.Date = safeGet(row, 6)
	if cents, ok := parseEurosToCents(safeGet(row, 7)); ok {
		e.Amount = core.Money{Cents: cents}
	}
	e.Label = safeGet(row, 8)
	e.Detail = safeGet(row, 9)
	e.BudgetID = safeGet(row, 10)
	e.CategoryID = safeGet(row, 11)
	e.UserID = safeGet(row, 12)
	return e, nil
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

func parseEurosToCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	// Normalize decimal comma
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if f < 0 {
		return int64((f * 100.0) - 0.5), true
	}
	return int64((f * 100.0) + 0.5), true
}
