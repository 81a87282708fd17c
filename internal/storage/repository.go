// Package storage implements ledger.Store on top of database/sql. The same
// code serves a local SQLite file (modernc.org/sqlite) and a remote Postgres
// ledger (pgx stdlib driver); only placeholders and row locks differ.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"ledgersync/internal/core"
	"ledgersync/internal/ledger"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlitePragmas = "_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) connString(dsn string) string {
	if d != DialectSQLite || strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + sqlitePragmas
}

// SQLStore is the SQL-backed ledger.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ ledger.Store      = (*SQLStore)(nil)
	_ ledger.ChangeFeed = (*SQLStore)(nil)
)

// OpenSQLite opens (creating if needed) a SQLite ledger at dbPath and
// migrates it.
func OpenSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	s, err := open(DialectSQLite, dbPath)
	if err != nil {
		return nil, err
	}
	// one writer: every write transaction is serialised by the pool
	s.db.SetMaxOpenConns(1)
	return s, nil
}

// OpenPostgres connects to a Postgres ledger and migrates it.
func OpenPostgres(dsn string) (*SQLStore, error) {
	s, err := open(DialectPostgres, dsn)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(10)
	s.db.SetConnMaxIdleTime(5 * time.Minute)
	return s, nil
}

func open(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dialect.connString(dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dialect, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("Ledger database ready", "dialect", string(dialect))
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the connection to the ledger database.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for reads inside a write.
func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) error {
	if _, err := q.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (s *SQLStore) count(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// where accumulates filter clauses and their arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		w.args = append(w.args, v)
	}
	w.clauses = append(w.clauses, column+" IN ("+strings.Join(marks, ", ")+")")
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// metaColumns receives the trailing bookkeeping columns of every table.
type metaColumns struct {
	createdAt string
	updatedAt string
	deletedAt sql.NullString
	version   int64
}

func (m *metaColumns) dest() []any {
	return []any{&m.createdAt, &m.updatedAt, &m.deletedAt, &m.version}
}

func (m *metaColumns) meta() (core.Meta, error) {
	created, err := parseTime(m.createdAt)
	if err != nil {
		return core.Meta{}, err
	}
	updated, err := parseTime(m.updatedAt)
	if err != nil {
		return core.Meta{}, err
	}
	meta := core.Meta{CreatedAt: created, UpdatedAt: updated, Version: m.version}
	if m.deletedAt.Valid {
		deleted, err := parseTime(m.deletedAt.String)
		if err != nil {
			return core.Meta{}, err
		}
		meta.DeletedAt = &deleted
	}
	return meta, nil
}

func metaArgs(m core.Meta) []any {
	return []any{formatTime(m.CreatedAt), formatTime(m.UpdatedAt), nullTime(m.DeletedAt), m.Version}
}

func parseDate(s string) (core.Date, error) {
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// queryRows runs query and scans every row with scan.
func queryRows[T any](ctx context.Context, s *SQLStore, q querier, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// queryOne scans a single row; a missing row yields (nil, nil).
func queryOne[T any](ctx context.Context, s *SQLStore, q querier, scan func(scanner) (T, error), query string, args ...any) (*T, error) {
	v, err := scan(q.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
