package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "t.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	d, err := ParseDialect("SQLite")
	require.NoError(t, err)
	require.Equal(t, SQLite, d)
	require.Equal(t, "sqlite", d.DriverName())

	d, err = ParseDialect("postgres")
	require.NoError(t, err)
	require.Equal(t, Postgres, d)
	require.Equal(t, "pgx", d.DriverName())

	_, err = ParseDialect("mysql")
	require.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	require.Equal(t, "?, ?, ?", SQLite.Placeholders(3))
	require.Equal(t, "$1, $2, $3", Postgres.Placeholders(3))
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple", in: "SELECT * FROM lists WHERE list_id = ? AND url = ?", want: "SELECT * FROM lists WHERE list_id = $1 AND url = $2"},
		{name: "literal", in: "SELECT '?' FROM t WHERE a = ?", want: "SELECT '?' FROM t WHERE a = $1"},
		{name: "escaped quote", in: "SELECT 'it''s ?' WHERE a = ?", want: "SELECT 'it''s ?' WHERE a = $1"},
		{name: "comment", in: "SELECT a -- why?\nFROM t WHERE a = ?", want: "SELECT a -- why?\nFROM t WHERE a = $1"},
		{name: "none", in: "SELECT 1", want: "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Postgres.Rebind(tt.in))
		})
	}
	require.Equal(t, "SELECT ?", SQLite.Rebind("SELECT ?"))
}

func TestScanNamedTokens(t *testing.T) {
	t.Parallel()

	var names []string
	var text string
	Scan("SELECT ':skip', a::text FROM t WHERE id = :id AND s = :status /* :no */", func(seg Segment) {
		switch seg.Kind {
		case SegmentNamed:
			names = append(names, seg.Text)
		default:
			text += seg.Text
		}
	})
	require.Equal(t, []string{"id", "status"}, names)
	require.Contains(t, text, "a::text")
	require.Contains(t, text, "':skip'")
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare path",
			in:   "data/crawl.db",
			want: "file:data/crawl.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite",
		},
		{
			name: "extra params keep defaults",
			in:   "file:x.db?mode=ro",
			want: "file:x.db?mode=ro&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite",
		},
		{
			name: "caller busy timeout wins",
			in:   "crawl.db?_pragma=busy_timeout(1000)",
			want: "file:crawl.db?_pragma=busy_timeout(1000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_time_format=sqlite",
		},
		{
			name: "foreign keys forced on",
			in:   "crawl.db?_pragma=foreign_keys(0)&_time_format=sqlite",
			want: "file:crawl.db?_pragma=foreign_keys(0)&_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		},
		{
			name: "foreign keys already on",
			in:   "crawl.db?_pragma=foreign_keys(1)&_pragma=journal_mode(DELETE)",
			want: "file:crawl.db?_pragma=foreign_keys(1)&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, SQLiteDSN(tt.in))
		})
	}
}

func TestOpenWithParamsEnforcesForeignKeys(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "c.db") + "?_pragma=busy_timeout(1000)"
	db, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	rows, err := Query(ctx, db.SQL(), "PRAGMA foreign_keys")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].Int64("foreign_keys"))

	for _, stmt := range []string{
		"CREATE TABLE lists (list_id INTEGER PRIMARY KEY)",
		"CREATE TABLE titles (title_id INTEGER PRIMARY KEY)",
		`CREATE TABLE lists_titles (
			list_id INTEGER NOT NULL REFERENCES lists(list_id),
			title_id INTEGER NOT NULL REFERENCES titles(title_id),
			PRIMARY KEY (list_id, title_id)
		)`,
	} {
		_, err := db.SQL().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err = db.SQL().ExecContext(ctx, "INSERT INTO lists_titles (list_id, title_id) VALUES (?, ?)", 999, 888)
	require.Error(t, err)
	require.Contains(t, err.Error(), "FOREIGN KEY")
}

func TestCheckIdentifiers(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckIdentifiers("lists", "list_id", "_x1"))
	err := CheckIdentifiers("lists", "list_id; DROP TABLE lists")
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	require.ErrorIs(t, CheckIdentifiers("1abc"), ErrInvalidIdentifier)
}

func TestWithTxCommitAndRollback(t *testing.T) {
	t.Parallel()

	db := openTemp(t)
	ctx := context.Background()
	_, err := db.SQL().ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB)")
	require.NoError(t, err)

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", []byte("one"))
		return err
	}))

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", []byte("two")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := Query(ctx, db.SQL(), "SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].String("k"))
	require.Equal(t, "one", rows[0]["v"])
}

func TestRowAccessors(t *testing.T) {
	t.Parallel()

	row := Row{"n": int64(7), "s": "x", "b": []byte("y"), "ts": "2024-03-01 10:00:00"}
	require.Equal(t, int64(7), row.Int64("n"))
	require.Equal(t, int64(0), row.Int64("missing"))
	require.Equal(t, "x", row.String("s"))
	require.Equal(t, "y", row.String("b"))
	require.Equal(t, "", row.String("missing"))
	ts, ok := row.Time("ts")
	require.True(t, ok)
	require.Equal(t, 2024, ts.Year())
	_, ok = row.Time("s")
	require.False(t, ok)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "sqlite"}, nil)
	require.Error(t, err)
}
