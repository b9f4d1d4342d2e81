// Package sqlstore opens the relational store and provides the transaction and
// row-scanning helpers shared by the migration runner and the repository.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidIdentifier is returned when a table or column name cannot be
// safely interpolated into SQL text.
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

// ValidIdentifier reports whether name can be used as a table or column name.
func ValidIdentifier(name string) bool {
	return validIdentifier.MatchString(name)
}

// CheckIdentifiers returns ErrInvalidIdentifier for the first bad name.
func CheckIdentifiers(names ...string) error {
	for _, name := range names {
		if !ValidIdentifier(name) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// Config describes how to reach the store.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB wraps a *sql.DB with its dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open connects to the configured store and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if dialect == SQLite {
		dsn = SQLiteDSN(dsn)
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case dialect == SQLite:
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return New(db, dialect, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{db: db, dialect: dialect, logger: logger}
}

// sqliteParams are added to every SQLite DSN unless the caller already set
// the same pragma or parameter.
var sqliteParams = []struct {
	key, name, value string
	// force appends value unless the caller's last setting already matches.
	force bool
}{
	{key: "_pragma", name: "foreign_keys", value: "foreign_keys(1)", force: true},
	{key: "_pragma", name: "busy_timeout", value: "busy_timeout(5000)"},
	{key: "_pragma", name: "journal_mode", value: "journal_mode(WAL)"},
	{key: "_time_format", value: "sqlite"},
}

// SQLiteDSN turns a path or DSN into a modernc DSN with foreign keys, a busy
// timeout and WAL enabled. Times are written in SQLite's own text layout so
// timestamp columns compare lexically. Parameters the caller passed are kept
// and win over the defaults, except that foreign keys are always on.
func SQLiteDSN(dsn string) string {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	given, err := url.ParseQuery(rawQuery)
	if err != nil {
		given = url.Values{}
	}
	params := make([]string, 0, len(sqliteParams)+1)
	if rawQuery != "" {
		params = append(params, rawQuery)
	}
	for _, p := range sqliteParams {
		switch {
		case p.force && hasPragma(given, p.name, p.value):
			continue
		case !p.force && p.name != "" && hasPragma(given, p.name, ""):
			continue
		case p.name == "" && given.Has(p.key):
			continue
		}
		params = append(params, p.key+"="+p.value)
	}
	return path + "?" + strings.Join(params, "&")
}

// hasPragma reports whether values sets pragma name. When want is not empty
// the last setting of name must equal it.
func hasPragma(values url.Values, name, want string) bool {
	last := ""
	for _, v := range values["_pragma"] {
		v = strings.ToLower(strings.ReplaceAll(v, " ", ""))
		if strings.HasPrefix(v, name+"(") || strings.HasPrefix(v, name+"=") {
			last = v
		}
	}
	if last == "" {
		return false
	}
	return want == "" || last == strings.ToLower(want)
}

// Dialect returns the store dialect.
func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Ping verifies the store is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", d.dialect, err)
	}
	return nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// WithTx runs fn inside a transaction, committing when fn succeeds and
// rolling back on any error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Row is one result row keyed by column name.
type Row map[string]any

// Query runs query on q and collects every row.
func Query(ctx context.Context, q Querier, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // rows.Err is checked in ScanRows
	return ScanRows(rows)
}

// ScanRows collects rows into column-keyed maps. Byte slices are returned as
// strings so callers see the same types across drivers.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an int64, or 0 when absent, NULL or not numeric.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// Time returns the column as a UTC time. SQLite may hand back text for
// timestamp columns, so the common layouts are parsed.
func (r Row) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
