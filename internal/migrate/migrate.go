// Package migrate applies versioned, forward-only schema scripts and records
// them in the migrations ledger.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore"
)

var (
	// ErrDirNotFound is returned when the migrations directory does not exist.
	ErrDirNotFound = errors.New("migrations directory not found")
	// ErrInvalidMigrationName is returned for files not named <version>_<name>.sql.
	ErrInvalidMigrationName = errors.New("invalid migration name")
	// ErrMissingUpSection is returned for scripts without a "-- Up" marker.
	ErrMissingUpSection = errors.New("migration has no up section")
)

var upSection = regexp.MustCompile(`(?s)--[ \t]*Up[ \t]*\n(.*?)(?:\n--[^\n]*Down|$)`)

// Migration is one script discovered on disk.
type Migration struct {
	Version  string
	Name     string
	Filename string
}

// AppliedMigration is one ledger row.
type AppliedMigration struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// MigrationError reports the script that failed and why.
type MigrationError struct {
	Migration Migration
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("apply migration %s_%s: %v", e.Migration.Version, e.Migration.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Runner applies the scripts found in a directory.
type Runner struct {
	db     *sqlstore.DB
	fsys   fs.FS
	logger *zap.Logger
}

// New creates a Runner reading scripts from the root of fsys.
func New(db *sqlstore.DB, fsys fs.FS, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{db: db, fsys: fsys, logger: logger}
}

// NewFromDir creates a Runner over a directory on disk.
func NewFromDir(db *sqlstore.DB, dir string, logger *zap.Logger) (*Runner, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirNotFound, dir)
	}
	return New(db, os.DirFS(dir), logger), nil
}

// ParseFilename splits "<version>_<name>.sql" on the first underscore.
func ParseFilename(filename string) (Migration, error) {
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	version, name, ok := strings.Cut(stem, "_")
	if !ok || version == "" || name == "" {
		return Migration{}, fmt.Errorf("%w: %q", ErrInvalidMigrationName, filename)
	}
	return Migration{Version: version, Name: name, Filename: filename}, nil
}

// UpSection returns the script between the Up marker and the Down marker (or
// the end of the file).
func UpSection(content string) (string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	m := upSection.FindStringSubmatch(content)
	if m == nil {
		return "", ErrMissingUpSection
	}
	return strings.TrimSpace(m[1]), nil
}

// EnsureLedger creates the migrations table when it is missing.
func (r *Runner) EnsureLedger(ctx context.Context) error {
	if _, err := r.db.SQL().ExecContext(ctx, r.db.Dialect().LedgerDDL()); err != nil {
		return fmt.Errorf("create migrations ledger: %w", err)
	}
	return nil
}

func (r *Runner) discover() ([]Migration, error) {
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDirNotFound
		}
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	out := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		m, err := ParseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := sqlstore.Query(ctx, r.db.SQL(), "SELECT version FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations ledger: %w", err)
	}
	out := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		out[row.String("version")] = struct{}{}
	}
	return out, nil
}

// Pending returns scripts whose version is not in the ledger, sorted by
// filename. Filenames are validated before the ledger is touched.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	all, err := r.discover()
	if err != nil {
		return nil, err
	}
	if err := r.EnsureLedger(ctx); err != nil {
		return nil, err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]Migration, 0, len(all))
	for _, m := range all {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// ApplyAll applies every pending script in order. Each script and its ledger
// row commit together; the first failure rolls back that script and stops
// the run. It returns the migrations applied by this call.
func (r *Runner) ApplyAll(ctx context.Context) ([]Migration, error) {
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]Migration, 0, len(pending))
	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			r.logger.Error("migration failed",
				zap.String("version", m.Version),
				zap.String("name", m.Name),
				zap.Error(err),
			)
			return applied, err
		}
		r.logger.Info("migration applied", zap.String("version", m.Version), zap.String("name", m.Name))
		applied = append(applied, m)
	}
	if len(applied) == 0 {
		r.logger.Debug("schema up to date")
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	data, err := fs.ReadFile(r.fsys, m.Filename)
	if err != nil {
		return &MigrationError{Migration: m, Err: err}
	}
	script, err := UpSection(string(data))
	if err != nil {
		return &MigrationError{Migration: m, Err: err}
	}
	insert := fmt.Sprintf("INSERT INTO migrations (version, name) VALUES (%s)", r.db.Dialect().Placeholders(2))
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if script != "" {
			if _, err := tx.ExecContext(ctx, script); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, insert, m.Version, m.Name)
		return err
	})
	if err != nil {
		return &MigrationError{Migration: m, Err: err}
	}
	return nil
}

// Applied lists the ledger ordered by version.
func (r *Runner) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := r.EnsureLedger(ctx); err != nil {
		return nil, err
	}
	rows, err := sqlstore.Query(ctx, r.db.SQL(), "SELECT version, name, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("read migrations ledger: %w", err)
	}
	out := make([]AppliedMigration, 0, len(rows))
	for _, row := range rows {
		at, _ := row.Time("applied_at")
		out = append(out, AppliedMigration{
			Version:   row.String("version"),
			Name:      row.String("name"),
			AppliedAt: at,
		})
	}
	return out, nil
}
