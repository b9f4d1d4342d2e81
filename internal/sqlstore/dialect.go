package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the handful of SQL differences between the supported engines.
type Dialect int

const (
	// SQLite is the embedded default backed by modernc.org/sqlite.
	SQLite Dialect = iota
	// Postgres is reached through the pgx database/sql driver.
	Postgres
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported driver %q", name)
	}
}

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Placeholders returns n comma separated bind markers starting at 1.
func (d Dialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// LedgerDDL creates the migrations ledger if it does not exist.
func (d Dialect) LedgerDDL() string {
	if d == Postgres {
		return `CREATE TABLE IF NOT EXISTS migrations (
	id BIGSERIAL PRIMARY KEY,
	version TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
)`
	}
	return `CREATE TABLE IF NOT EXISTS migrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`
}

// Rebind rewrites '?' markers into the dialect's positional form. Markers
// inside quoted literals, quoted identifiers and comments are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	Scan(query, func(seg Segment) {
		if seg.Kind == SegmentPlaceholder {
			n++
			b.WriteString(d.Placeholder(n))
			return
		}
		b.WriteString(seg.Text)
	})
	return b.String()
}
