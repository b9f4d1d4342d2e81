// Package repository turns typed records and named templates into
// parametrized SQL. Every call runs in its own transaction that commits on
// success and rolls back on any error.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/queries"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore"
)

var (
	// ErrSchemaMismatch means a record's descriptor cannot produce a statement.
	ErrSchemaMismatch = errors.New("record schema mismatch")
	// ErrTypeMismatch means a record of the wrong kind reached a typed call.
	ErrTypeMismatch = errors.New("record type mismatch")
	// ErrQueryNotFound means a named template is not registered.
	ErrQueryNotFound = errors.New("named query not found")
	// ErrMissingParam means a named template references an unbound parameter.
	ErrMissingParam = errors.New("missing query parameter")
	// ErrInvalidIdentifier is re-exported so callers need not import sqlstore.
	ErrInvalidIdentifier = sqlstore.ErrInvalidIdentifier
)

// Row is one result row keyed by column name.
type Row = sqlstore.Row

// QuerySource resolves named SQL templates.
type QuerySource interface {
	Get(name string) (string, error)
}

// Repository executes record and template operations against the store.
type Repository struct {
	db      *sqlstore.DB
	queries QuerySource
	logger  *zap.Logger
}

// New creates a Repository. queries may be nil when named templates are not used.
func New(db *sqlstore.DB, queries QuerySource, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, queries: queries, logger: logger}
}

// Dialect reports the dialect of the underlying store.
func (r *Repository) Dialect() sqlstore.Dialect {
	return r.db.Dialect()
}

func (r *Repository) describe(rec schema.Record) (schema.Table, []any, error) {
	if rec == nil {
		return schema.Table{}, nil, fmt.Errorf("%w: nil record", ErrSchemaMismatch)
	}
	table := rec.Table()
	if table.Name == "" {
		return schema.Table{}, nil, fmt.Errorf("%w: %s has no table name", ErrSchemaMismatch, rec.Kind())
	}
	if len(table.Columns) == 0 {
		return schema.Table{}, nil, fmt.Errorf("%w: %s has no columns", ErrSchemaMismatch, rec.Kind())
	}
	values := rec.Values()
	if len(values) != len(table.Columns) {
		return schema.Table{}, nil, fmt.Errorf("%w: %s has %d columns but %d values",
			ErrSchemaMismatch, table.Name, len(table.Columns), len(values))
	}
	if err := sqlstore.CheckIdentifiers(append([]string{table.Name}, table.Columns...)...); err != nil {
		return schema.Table{}, nil, err
	}
	return table, values, nil
}

func (r *Repository) insertSQL(table string, columns []string, ignore bool) string {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), r.db.Dialect().Placeholders(len(columns)))
	if ignore {
		q += " ON CONFLICT DO NOTHING"
	}
	return q
}

// Insert writes rec into its table.
func (r *Repository) Insert(ctx context.Context, rec schema.Record) error {
	table, values, err := r.describe(rec)
	if err != nil {
		return err
	}
	if _, err := r.exec(ctx, r.insertSQL(table.Name, table.Columns, false), values...); err != nil {
		return fmt.Errorf("insert %s: %w", table.Name, err)
	}
	return nil
}

// InsertAs writes rec after checking it is of the expected kind.
func (r *Repository) InsertAs(ctx context.Context, kind schema.Kind, rec schema.Record) error {
	if rec == nil || rec.Kind() != kind {
		got := schema.Kind("<nil>")
		if rec != nil {
			got = rec.Kind()
		}
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, kind, got)
	}
	return r.Insert(ctx, rec)
}

// InsertIgnore writes rec unless a row with the same key exists. It reports
// whether a row was written.
func (r *Repository) InsertIgnore(ctx context.Context, rec schema.Record) (bool, error) {
	table, values, err := r.describe(rec)
	if err != nil {
		return false, err
	}
	n, err := r.exec(ctx, r.insertSQL(table.Name, table.Columns, true), values...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table.Name, err)
	}
	return n > 0, nil
}

// Update rewrites every column of rec except keyField on the row matching
// keyValue. The number of matched rows is not checked.
func (r *Repository) Update(ctx context.Context, rec schema.Record, keyField string, keyValue any) error {
	table, values, err := r.describe(rec)
	if err != nil {
		return err
	}
	if err := sqlstore.CheckIdentifiers(keyField); err != nil {
		return err
	}
	d := r.db.Dialect()
	sets := make([]string, 0, len(table.Columns))
	args := make([]any, 0, len(values)+1)
	for i, col := range table.Columns {
		if col == keyField {
			continue
		}
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s = %s", col, d.Placeholder(len(args))))
	}
	if len(sets) == 0 {
		return fmt.Errorf("%w: %s has no columns besides %s", ErrSchemaMismatch, table.Name, keyField)
	}
	args = append(args, keyValue)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		table.Name, strings.Join(sets, ", "), keyField, d.Placeholder(len(args)))
	if _, err := r.exec(ctx, q, args...); err != nil {
		return fmt.Errorf("update %s: %w", table.Name, err)
	}
	return nil
}

// UpdateSingleField sets one column on the row matching keyValue.
func (r *Repository) UpdateSingleField(ctx context.Context, table, keyField string, keyValue any, field string, value any) error {
	if err := sqlstore.CheckIdentifiers(table, keyField, field); err != nil {
		return err
	}
	d := r.db.Dialect()
	q := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s", table, field, d.Placeholder(1), keyField, d.Placeholder(2))
	if _, err := r.exec(ctx, q, value, keyValue); err != nil {
		return fmt.Errorf("update %s.%s: %w", table, field, err)
	}
	return nil
}

// InsertRelationship writes a join row. Columns are written in sorted order.
func (r *Repository) InsertRelationship(ctx context.Context, table string, fields map[string]any) error {
	return r.insertFields(ctx, table, fields, false)
}

// InsertRelationshipIgnore is InsertRelationship that skips existing pairs.
func (r *Repository) InsertRelationshipIgnore(ctx context.Context, table string, fields map[string]any) error {
	return r.insertFields(ctx, table, fields, true)
}

func (r *Repository) insertFields(ctx context.Context, table string, fields map[string]any, ignore bool) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields for %s", ErrSchemaMismatch, table)
	}
	columns := make([]string, 0, len(fields))
	for col := range fields {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	if err := sqlstore.CheckIdentifiers(append([]string{table}, columns...)...); err != nil {
		return err
	}
	args := make([]any, len(columns))
	for i, col := range columns {
		args[i] = fields[col]
	}
	if _, err := r.exec(ctx, r.insertSQL(table, columns, ignore), args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// SelectByID returns the row whose keyField equals keyValue. The bool is
// false when no row matches.
func (r *Repository) SelectByID(ctx context.Context, table, keyField string, keyValue any) (Row, bool, error) {
	if err := sqlstore.CheckIdentifiers(table, keyField); err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s LIMIT 1", table, keyField, r.db.Dialect().Placeholder(1))
	rows, err := sqlstore.Query(ctx, r.db.SQL(), q, keyValue)
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// ExecuteNamed runs the template registered as name, binding :param tokens
// from params, and returns every result row.
func (r *Repository) ExecuteNamed(ctx context.Context, name string, params map[string]any) ([]Row, error) {
	q, args, err := r.bindNamed(name, params)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, name, q, args...)
}

// ExecNamed runs the template registered as name and reports affected rows.
func (r *Repository) ExecNamed(ctx context.Context, name string, params map[string]any) (int64, error) {
	q, args, err := r.bindNamed(name, params)
	if err != nil {
		return 0, err
	}
	n, err := r.exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("exec %s: %w", strings.ToUpper(name), err)
	}
	return n, nil
}

// ExecuteNamedPositional runs the template registered as name with '?'
// markers bound to args in order.
func (r *Repository) ExecuteNamedPositional(ctx context.Context, name string, args ...any) ([]Row, error) {
	tmpl, err := r.template(name)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, name, r.db.Dialect().Rebind(tmpl), args...)
}

// Exec runs a raw statement with '?' markers and reports affected rows.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return r.exec(ctx, r.db.Dialect().Rebind(query), args...)
}

// Query runs a raw statement with '?' markers and returns every row.
func (r *Repository) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return r.query(ctx, "raw", r.db.Dialect().Rebind(query), args...)
}

func (r *Repository) template(name string) (string, error) {
	if r.queries == nil {
		return "", fmt.Errorf("%w: %s (no query store)", ErrQueryNotFound, name)
	}
	tmpl, err := r.queries.Get(name)
	if err != nil {
		if errors.Is(err, queries.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrQueryNotFound, strings.ToUpper(name))
		}
		return "", err
	}
	return tmpl, nil
}

func (r *Repository) bindNamed(name string, params map[string]any) (string, []any, error) {
	tmpl, err := r.template(name)
	if err != nil {
		return "", nil, err
	}
	q, args, err := BindNamed(r.db.Dialect(), tmpl, params)
	if err != nil {
		return "", nil, fmt.Errorf("bind %s: %w", strings.ToUpper(name), err)
	}
	return q, args, nil
}

// BindNamed rewrites :param tokens into dialect placeholders and collects the
// matching values in order. Values are always bound, never spliced.
func BindNamed(d sqlstore.Dialect, query string, params map[string]any) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
		err  error
	)
	sqlstore.Scan(query, func(seg sqlstore.Segment) {
		if err != nil {
			return
		}
		switch seg.Kind {
		case sqlstore.SegmentNamed:
			v, ok := params[seg.Text]
			if !ok {
				err = fmt.Errorf("%w: %s", ErrMissingParam, seg.Text)
				return
			}
			args = append(args, v)
			b.WriteString(d.Placeholder(len(args)))
		case sqlstore.SegmentPlaceholder:
			err = errors.New("positional marker in named query")
		default:
			b.WriteString(seg.Text)
		}
	})
	if err != nil {
		return "", nil, err
	}
	return b.String(), args, nil
}

func (r *Repository) exec(ctx context.Context, q string, args ...any) (int64, error) {
	var affected int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		r.logger.Debug("statement failed", zap.String("sql", q), zap.Error(err))
		return 0, err
	}
	return affected, nil
}

func (r *Repository) query(ctx context.Context, label, q string, args ...any) ([]Row, error) {
	var rows []Row
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rows, err = sqlstore.Query(ctx, tx, q, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", strings.ToUpper(label), err)
	}
	return rows, nil
}
