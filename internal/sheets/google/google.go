package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ledgersync/internal/ratelimit"
	"ledgersync/internal/sheets"
)

var _ sheets.Journal = (*Journal)(nil)

const (
	defaultSheetName = "Ledger"
	defaultRowTTL    = 5 * time.Minute
	lastColumn       = "M"
)

var header = []interface{}{
	"Ref", "Committed", "Kind", "ID", "Op", "Version", "Date",
	"Amount", "Label", "Detail", "Budget", "Category", "User",
}

// Config selects the spreadsheet and the service-account credentials.
type Config struct {
	SpreadsheetID string
	// SheetName is the base tab name; the current year is prefixed.
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
	// RowCacheTTL bounds how long the known row index is trusted before it
	// is re-read from the sheet.
	RowCacheTTL time.Duration
	// WritesPerMinute throttles appends below the Sheets API write quota.
	WritesPerMinute int
}

// ConfigFromEnv reads GOOGLE_SPREADSHEET_ID, GOOGLE_JOURNAL_SHEET_NAME,
// GOOGLE_SERVICE_ACCOUNT_JSON and GOOGLE_SERVICE_ACCOUNT_FILE, falling back
// to GOOGLE_APPLICATION_CREDENTIALS for the file.
func ConfigFromEnv() Config {
	cfg := Config{
		SpreadsheetID:   strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID")),
		SheetName:       strings.TrimSpace(os.Getenv("GOOGLE_JOURNAL_SHEET_NAME")),
		CredentialsJSON: strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")),
		CredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE")),
	}
	if n, err := strconv.Atoi(os.Getenv("GOOGLE_WRITES_PER_MINUTE")); err == nil {
		cfg.WritesPerMinute = n
	}
	if cfg.CredentialsJSON == "" && cfg.CredentialsFile == "" {
		cfg.CredentialsFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	return cfg
}

// Journal appends committed ledger entries as rows of a spreadsheet tab.
// Column A holds the entry Ref and doubles as the duplicate index.
type Journal struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheet         string
	ttl           time.Duration
	limiter       *ratelimit.Limiter

	mu        sync.Mutex
	rows      int
	refs      map[string]string
	expiresAt time.Time
}

// NewFromEnv creates a journal using ConfigFromEnv.
func NewFromEnv(ctx context.Context) (*Journal, error) {
	return New(ctx, ConfigFromEnv())
}

// New builds the Sheets service from cfg credentials and returns a journal.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *gsheet.Service, cfg Config) *Journal {
	base := cfg.SheetName
	if base == "" {
		base = defaultSheetName
	}
	ttl := cfg.RowCacheTTL
	if ttl <= 0 {
		ttl = defaultRowTTL
	}
	return &Journal{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheet:         yearPrefixedName(base, time.Now().Year()),
		ttl:           ttl,
		limiter:       ratelimit.NewLimiter(ratelimit.Config{Limit: cfg.WritesPerMinute, Window: time.Minute}),
	}
}

// SheetName returns the tab the journal writes to.
func (j *Journal) SheetName() string { return j.sheet }

// newSheetsService initializes a Sheets Service using Service Account credentials.
func newSheetsService(ctx context.Context, cfg Config) (*gsheet.Service, error) {
	var credentialsJSON []byte
	switch {
	case cfg.CredentialsJSON != "":
		credentialsJSON = []byte(cfg.CredentialsJSON)
	case cfg.CredentialsFile != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	slog.InfoContext(ctx, "Creating Google Sheets service with Service Account",
		"credentials_size", len(credentialsJSON),
		"scope", gsheet.SpreadsheetsScope)

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// Append writes e on the next free row unless its Ref is already recorded.
func (j *Journal) Append(ctx context.Context, e sheets.Entry) (string, error) {
	if e.Kind == "" || e.ID == "" {
		return "", errors.New("journal entry needs kind and id")
	}
	if j.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.loadIndexLocked(ctx); err != nil {
		return "", err
	}
	if ref, ok := j.refs[e.Ref()]; ok {
		return ref, nil
	}

	values := [][]interface{}{formatRow(e)}
	first := j.rows + 1
	if j.rows == 0 {
		values = append([][]interface{}{header}, values...)
	}
	last := first + len(values) - 1
	rng := fmt.Sprintf("%s!A%d:%s%d", j.sheet, first, lastColumn, last)

	if err := j.limiter.Wait(ctx, j.spreadsheetID); err != nil {
		return "", fmt.Errorf("write quota: %w", err)
	}
	vr := &gsheet.ValueRange{Values: values}
	if _, err := j.svc.Spreadsheets.Values.Update(j.spreadsheetID, rng, vr).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		// Another writer may have moved the tail; force a re-read.
		j.expiresAt = time.Time{}
		return "", fmt.Errorf("write %s: %w", rng, err)
	}

	ref := fmt.Sprintf("%s!A%d:%s%d", j.sheet, last, lastColumn, last)
	j.rows = last
	j.refs[e.Ref()] = ref
	return ref, nil
}

// Entries reads every journaled row, skipping the header.
func (j *Journal) Entries(ctx context.Context) ([]sheets.Entry, error) {
	if j.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A:%s", j.sheet, lastColumn)
	resp, err := j.svc.Spreadsheets.Values.Get(j.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	out := make([]sheets.Entry, 0, len(resp.Values))
	for i, raw := range resp.Values {
		row := toStrings(raw)
		if i == 0 && isHeader(row) {
			continue
		}
		e, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", j.sheet, i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// InvalidateIndex forces the next Append to re-read column A.
func (j *Journal) InvalidateIndex() {
	j.mu.Lock()
	j.expiresAt = time.Time{}
	j.mu.Unlock()
}

func (j *Journal) loadIndexLocked(ctx context.Context) error {
	if j.refs != nil && time.Now().Before(j.expiresAt) {
		return nil
	}
	rng := fmt.Sprintf("%s!A:A", j.sheet)
	resp, err := j.svc.Spreadsheets.Values.Get(j.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read %s: %w", rng, err)
	}
	refs := make(map[string]string, len(resp.Values))
	for i, raw := range resp.Values {
		row := toStrings(raw)
		if len(row) == 0 || row[0] == "" || (i == 0 && isHeader(row)) {
			continue
		}
		refs[row[0]] = fmt.Sprintf("%s!A%d:%s%d", j.sheet, i+1, lastColumn, i+1)
	}
	j.refs = refs
	j.rows = len(resp.Values)
	j.expiresAt = time.Now().Add(j.ttl)
	return nil
}

func formatRow(e sheets.Entry) []interface{} {
	return []interface{}{
		e.Ref(),
		e.CommittedAt.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		e.ID,
		string(e.Op),
		strconv.FormatInt(e.Version, 10),
		e.Date,
		e.Amount.String(),
		e.Label,
		e.Detail,
		e.BudgetID,
		e.CategoryID,
		e.UserID,
	}
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func isHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(row[0], "Ref")
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
