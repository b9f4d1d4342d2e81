// Package crawlstate owns scrape status for lists and titles: the allowed
// transitions, the work-set queries that make a crawl resumable, and the
// append-only scraping log.
package crawlstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/repository"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

var (
	// ErrInvalidMode is returned for unknown work-set modes.
	ErrInvalidMode = errors.New("invalid crawl mode")
	// ErrUnsupportedKind is returned for kinds that carry no scrape status.
	ErrUnsupportedKind = errors.New("kind has no scrape status")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when the entity row does not exist.
	ErrNotFound = errors.New("entity not found")
)

// Mode selects the work set for a run.
type Mode string

// Work-set modes.
const (
	ModePending Mode = "pending"
	ModeAll     Mode = "all"
)

// ParseMode validates a mode flag. Empty means pending.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePending:
		return ModePending, nil
	case ModeAll:
		return ModeAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Outcome is how an entity's processing ended.
type Outcome int

// Entity outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Config tunes the tracker.
type Config struct {
	// ScrapperName is written to every log entry.
	ScrapperName string
	// StaleAfter is how long an in_progress claim lives before a pending-mode
	// run may take it over. Zero disables reclaiming.
	StaleAfter time.Duration
}

type statusTable struct {
	table    string
	key      string
	pending  string
	all      string
	claim    string
	complete string
	reset    string
	counts   string
}

var statusTables = map[schema.Kind]statusTable{
	schema.KindList: {
		table:    schema.Lists.Name,
		key:      "list_id",
		pending:  "SELECT_PENDING_LISTS",
		all:      "SELECT_ALL_LISTS",
		claim:    "CLAIM_ENTITY_LIST",
		complete: "COMPLETE_ENTITY_LIST",
		reset:    "RESET_FAILED_LISTS",
		counts:   "STATUS_COUNTS_LISTS",
	},
	schema.KindTitle: {
		table:    schema.Titles.Name,
		key:      "title_id",
		pending:  "SELECT_PENDING_TITLES",
		all:      "SELECT_ALL_TITLES",
		claim:    "CLAIM_ENTITY_TITLE",
		complete: "COMPLETE_ENTITY_TITLE",
		reset:    "RESET_FAILED_TITLES",
		counts:   "STATUS_COUNTS_TITLES",
	},
}

func lookup(kind schema.Kind) (statusTable, error) {
	st, ok := statusTables[kind]
	if !ok {
		return statusTable{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return st, nil
}

// WorkItem is one entity selected for a run.
type WorkItem struct {
	Kind        schema.Kind   `json:"kind"`
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	URL         string        `json:"url"`
	UserProfile string        `json:"user_profile,omitempty"`
	Status      schema.Status `json:"scrape_status"`
	ScrapedAt   *time.Time    `json:"scraped_at,omitempty"`
	ClaimedAt   *time.Time    `json:"claimed_at,omitempty"`
}

// Tracker reads and advances scrape status.
type Tracker struct {
	repo   *repository.Repository
	clock  Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Tracker.
func New(repo *repository.Repository, clock Clock, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScrapperName == "" {
		cfg.ScrapperName = "pipeline"
	}
	return &Tracker{repo: repo, clock: clock, cfg: cfg, logger: logger}
}

// ScrapperName returns the name written to log entries.
func (t *Tracker) ScrapperName() string {
	return t.cfg.ScrapperName
}

// Log appends one entry to the scraping log.
func (t *Tracker) Log(ctx context.Context, entry schema.ScrapingLogEntry) error {
	if entry.ScrapperName == "" {
		entry.ScrapperName = t.cfg.ScrapperName
	}
	if err := t.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("write scraping log: %w", err)
	}
	return nil
}

// StartEntity records that work on an entity began. Status is left alone;
// callers claim the entity separately.
func (t *Tracker) StartEntity(ctx context.Context, kind schema.Kind, id string) error {
	return t.Log(ctx, schema.ScrapingLogEntry{
		OperationType: string(kind),
		EntityID:      id,
		Status:        schema.LogStarted,
	})
}

// FinishEntity records how work on an entity ended and how long it took.
// Lists are not marked completed here; that waits for the end of the run.
func (t *Tracker) FinishEntity(ctx context.Context, kind schema.Kind, id string, outcome Outcome, cause error, dur time.Duration) error {
	entry := schema.ScrapingLogEntry{
		OperationType: string(kind),
		EntityID:      id,
		Status:        schema.LogSuccess,
		DurationMS:    schema.Ptr(dur.Milliseconds()),
	}
	if outcome == OutcomeFailed {
		entry.Status = schema.LogFailed
		if cause != nil {
			entry.ErrorMessage = schema.Ptr(cause.Error())
		}
	}
	return t.Log(ctx, entry)
}

// SelectWorkSet returns the entities of kind a run should attempt. Pending
// mode returns pending rows plus in_progress rows whose claim is older than
// StaleAfter; all mode returns every row.
func (t *Tracker) SelectWorkSet(ctx context.Context, kind schema.Kind, mode Mode) ([]WorkItem, error) {
	st, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	var rows []repository.Row
	switch mode {
	case ModePending:
		staleBefore := time.Time{}
		if t.cfg.StaleAfter > 0 {
			staleBefore = t.clock.Now().UTC().Add(-t.cfg.StaleAfter)
		}
		rows, err = t.repo.ExecuteNamed(ctx, st.pending, map[string]any{
			"pending":      string(schema.StatusPending),
			"in_progress":  string(schema.StatusInProgress),
			"stale_before": staleBefore,
		})
	case ModeAll:
		rows, err = t.repo.ExecuteNamed(ctx, st.all, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s work set: %w", kind, err)
	}
	out := make([]WorkItem, 0, len(rows))
	for _, row := range rows {
		item := WorkItem{
			Kind:        kind,
			ID:          row.Int64(st.key),
			Title:       row.String("title"),
			URL:         row.String("url"),
			UserProfile: row.String("user_profile"),
			Status:      schema.Status(row.String("scrape_status")),
		}
		if ts, ok := row.Time("scraped_at"); ok {
			item.ScrapedAt = &ts
		}
		if ts, ok := row.Time("claimed_at"); ok {
			item.ClaimedAt = &ts
		}
		out = append(out, item)
	}
	return out, nil
}

// Status returns the current scrape status of an entity.
func (t *Tracker) Status(ctx context.Context, kind schema.Kind, id int64) (schema.Status, error) {
	st, err := lookup(kind)
	if err != nil {
		return "", err
	}
	row, ok, err := t.repo.SelectByID(ctx, st.table, st.key, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return schema.ParseStatus(row.String("scrape_status"))
}

// Claim marks an entity in_progress and stamps its lease. Completed and
// failed rows keep their status: all-mode rebuilds reread them without
// moving them backwards. It reports whether the status changed.
func (t *Tracker) Claim(ctx context.Context, kind schema.Kind, id int64) (bool, error) {
	st, err := lookup(kind)
	if err != nil {
		return false, err
	}
	current, err := t.Status(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if current.Terminal() {
		t.logger.Debug("claim leaves terminal status",
			zap.String("kind", string(kind)), zap.Int64("id", id), zap.String("status", string(current)))
		return false, nil
	}
	if _, err := t.repo.ExecNamed(ctx, st.claim, map[string]any{
		"status":     string(schema.StatusInProgress),
		"claimed_at": t.clock.Now().UTC(),
		"id":         id,
	}); err != nil {
		return false, fmt.Errorf("claim %s %d: %w", kind, id, err)
	}
	return true, nil
}

// Transition moves an entity to a new status if the move is allowed.
// Reaching completed stamps scraped_at in the same statement.
func (t *Tracker) Transition(ctx context.Context, kind schema.Kind, id int64, to schema.Status) error {
	st, err := lookup(kind)
	if err != nil {
		return err
	}
	current, err := t.Status(ctx, kind, id)
	if err != nil {
		return err
	}
	if !schema.CanTransition(current, to) {
		return fmt.Errorf("%w: %s %d %s -> %s", ErrInvalidTransition, kind, id, current, to)
	}
	if to == schema.StatusCompleted {
		if _, err := t.repo.ExecNamed(ctx, st.complete, map[string]any{
			"status":     string(to),
			"scraped_at": t.clock.Now().UTC(),
			"id":         id,
		}); err != nil {
			return fmt.Errorf("complete %s %d: %w", kind, id, err)
		}
		return nil
	}
	return t.repo.UpdateSingleField(ctx, st.table, st.key, id, "scrape_status", string(to))
}

// RetryFailed resets every failed entity of kind back to pending and logs
// the reset. It returns the number of rows reset.
func (t *Tracker) RetryFailed(ctx context.Context, kind schema.Kind) (int64, error) {
	st, err := lookup(kind)
	if err != nil {
		return 0, err
	}
	n, err := t.repo.ExecNamed(ctx, st.reset, map[string]any{
		"pending": string(schema.StatusPending),
		"failed":  string(schema.StatusFailed),
	})
	if err != nil {
		return 0, fmt.Errorf("reset failed %s rows: %w", kind, err)
	}
	if err := t.Log(ctx, schema.ScrapingLogEntry{
		OperationType: schema.OpRetryAll,
		EntityID:      string(kind) + ":" + strconv.FormatInt(n, 10),
		Status:        schema.LogSuccess,
	}); err != nil {
		return n, err
	}
	t.logger.Info("failed entities reset to pending", zap.String("kind", string(kind)), zap.Int64("rows", n))
	return n, nil
}

// StatusCounts tallies entities of kind by status.
func (t *Tracker) StatusCounts(ctx context.Context, kind schema.Kind) (map[schema.Status]int64, error) {
	st, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	rows, err := t.repo.ExecuteNamed(ctx, st.counts, nil)
	if err != nil {
		return nil, err
	}
	out := map[schema.Status]int64{
		schema.StatusPending:    0,
		schema.StatusInProgress: 0,
		schema.StatusCompleted:  0,
		schema.StatusFailed:     0,
	}
	for _, row := range rows {
		out[schema.Status(row.String("scrape_status"))] = row.Int64("total")
	}
	return out, nil
}

// LogRecord is a stored scraping log row.
type LogRecord struct {
	ID            int64     `json:"id"`
	ScrapperName  string    `json:"scrapper_name"`
	OperationType string    `json:"operation_type"`
	EntityID      string    `json:"entity_id"`
	Status        string    `json:"status"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	DurationMS    *int64    `json:"duration_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecentLog returns the newest log entries first.
func (t *Tracker) RecentLog(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.repo.ExecuteNamed(ctx, "RECENT_LOG", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return toLogRecords(rows), nil
}

// EntityLog returns every log entry for an entity id, oldest first.
func (t *Tracker) EntityLog(ctx context.Context, entityID string) ([]LogRecord, error) {
	rows, err := t.repo.ExecuteNamed(ctx, "ENTITY_LOG", map[string]any{"entity_id": entityID})
	if err != nil {
		return nil, err
	}
	return toLogRecords(rows), nil
}

func toLogRecords(rows []repository.Row) []LogRecord {
	out := make([]LogRecord, 0, len(rows))
	for _, row := range rows {
		rec := LogRecord{
			ID:            row.Int64("id"),
			ScrapperName:  row.String("scrapper_name"),
			OperationType: row.String("operation_type"),
			EntityID:      row.String("entity_id"),
			Status:        row.String("status"),
		}
		if row["error_message"] != nil {
			rec.ErrorMessage = schema.Ptr(row.String("error_message"))
		}
		if row["duration_ms"] != nil {
			rec.DurationMS = schema.Ptr(row.Int64("duration_ms"))
		}
		rec.CreatedAt, _ = row.Time("created_at")
		out = append(out, rec)
	}
	return out
}
