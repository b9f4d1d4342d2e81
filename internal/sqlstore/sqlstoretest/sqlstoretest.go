// Package sqlstoretest opens throwaway SQLite stores for package tests.
package sqlstoretest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore"
)

// Open creates an empty SQLite database under t.TempDir and closes it when the
// test finishes.
func Open(t testing.TB) *sqlstore.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl.db")
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
