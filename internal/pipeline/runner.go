package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/clock/system"
	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/progress"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

// Extractor fetches a page and returns the entity links found on it.
type Extractor interface {
	Extract(ctx context.Context, url string) ([]RawRecord, error)
}

// Details is the descriptive data found on a title page. Either part may be
// nil.
type Details struct {
	Metadata *schema.TitleMetadata
	Enriched *schema.TitleEnriched
}

// DetailExtractor is implemented by extractors that can also read title
// details. The runner asks for them while crawling titles.
type DetailExtractor interface {
	Details(ctx context.Context, url string) (Details, error)
}

// StateTracker is the part of the crawl state tracker a run drives.
type StateTracker interface {
	Transitioner
	SelectWorkSet(ctx context.Context, kind schema.Kind, mode crawlstate.Mode) ([]crawlstate.WorkItem, error)
	Claim(ctx context.Context, kind schema.Kind, id int64) (bool, error)
	StartEntity(ctx context.Context, kind schema.Kind, id string) error
	FinishEntity(ctx context.Context, kind schema.Kind, id string, outcome crawlstate.Outcome, cause error, dur time.Duration) error
}

// IDGenerator names crawl runs.
type IDGenerator interface {
	NewID() (string, error)
}

// uuidV7 names runs with time-ordered UUIDs so run ids sort by start time.
type uuidV7 struct{}

func (uuidV7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Throttle spaces page requests.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// RunnerConfig wires a Runner. Throttle may be nil.
type RunnerConfig struct {
	Store      Store
	Tracker    StateTracker
	Persister  Persister
	Extractor  Extractor
	Throttle   Throttle
	Emitter    progress.Emitter
	Clock      crawlstate.Clock
	IDs        IDGenerator
	DedupeSize int
	Logger     *zap.Logger
}

// Summary reports one finished run.
type Summary struct {
	RunID    string         `json:"run_id"`
	Kind     schema.Kind    `json:"kind"`
	Mode     string         `json:"mode"`
	Entities int            `json:"entities"`
	Failed   int            `json:"failed_entities"`
	Skipped  int            `json:"skipped_records"`
	Items    Stats          `json:"items"`
	Final    FinalizeResult `json:"finalize"`
	Duration time.Duration  `json:"duration"`
}

// Runner crawls the lists or titles the tracker selects.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil || cfg.Tracker == nil || cfg.Persister == nil || cfg.Extractor == nil {
		return nil, errors.New("runner requires store, tracker, persister and extractor")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuidV7{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}, nil
}

func (r *Runner) newSession() (*Session, error) {
	runID, err := r.cfg.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	return NewSession(SessionConfig{
		RunID:      runID,
		Store:      r.cfg.Store,
		Tracker:    r.cfg.Tracker,
		Persister:  r.cfg.Persister,
		Emitter:    r.cfg.Emitter,
		Clock:      r.cfg.Clock,
		DedupeSize: r.cfg.DedupeSize,
		Logger:     r.logger,
	})
}

// Run crawls every entity of kind in the mode's work set. Each entity is
// claimed, logged as started, extracted and its items persisted, then logged
// as finished. Completion is decided once at the end by finalizing the
// session. A cancelled ctx stops the run before the next entity; entities
// not reached keep their status.
func (r *Runner) Run(ctx context.Context, kind schema.Kind, mode crawlstate.Mode) (Summary, error) {
	if kind != schema.KindList && kind != schema.KindTitle {
		return Summary{}, fmt.Errorf("%w: %s", crawlstate.ErrUnsupportedKind, kind)
	}
	session, err := r.newSession()
	if err != nil {
		return Summary{}, err
	}

	started := r.cfg.Clock.Now()
	sum := Summary{RunID: session.RunID(), Kind: kind, Mode: string(mode)}
	logger := r.logger.With(zap.String("run_id", sum.RunID), zap.String("kind", string(kind)), zap.String("mode", string(mode)))
	r.emit(progress.Event{RunID: sum.RunID, Stage: progress.StageRunStart, Kind: kind})

	items, err := r.cfg.Tracker.SelectWorkSet(ctx, kind, mode)
	if err != nil {
		r.emit(progress.Event{RunID: sum.RunID, Stage: progress.StageRunError, Note: err.Error()})
		return sum, err
	}
	logger.Info("run started", zap.Int("work_set", len(items)))

	var runErr error
	for _, wi := range items {
		if err := ctx.Err(); err != nil {
			runErr = err
			logger.Warn("run interrupted", zap.Error(err))
			break
		}
		skipped, failed, err := r.crawlEntity(ctx, session, wi)
		sum.Skipped += skipped
		if err != nil {
			runErr = err
			break
		}
		sum.Entities++
		if failed {
			sum.Failed++
		}
	}

	final, ferr := session.Finalize(context.WithoutCancel(ctx))
	sum.Final = final
	sum.Items = session.Stats()
	sum.Duration = r.cfg.Clock.Now().Sub(started)
	runErr = errors.Join(runErr, ferr)

	if runErr != nil {
		r.emit(progress.Event{RunID: sum.RunID, Stage: progress.StageRunError, Dur: sum.Duration, Note: runErr.Error()})
		logger.Error("run failed", zap.Error(runErr))
		return sum, runErr
	}
	r.emit(progress.Event{RunID: sum.RunID, Stage: progress.StageRunDone, Dur: sum.Duration})
	logger.Info("run finished",
		zap.Int("entities", sum.Entities),
		zap.Int("failed", sum.Failed),
		zap.Int("persisted", sum.Items.Persisted),
		zap.Int("dropped", sum.Items.Dropped),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// Discover reads a user's lists page and records every list it links to as
// pending. Lists already known keep their status.
func (r *Runner) Discover(ctx context.Context, profileURL, userProfile string) (Summary, error) {
	session, err := r.newSession()
	if err != nil {
		return Summary{}, err
	}
	started := r.cfg.Clock.Now()
	runID := session.RunID()
	sum := Summary{RunID: runID, Kind: schema.KindList, Mode: "discover"}
	r.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, Kind: schema.KindList})

	records, err := r.extract(ctx, profileURL)
	if err != nil {
		err = fmt.Errorf("extract %s: %w", profileURL, err)
		r.emit(progress.Event{RunID: runID, Stage: progress.StageRunError, Note: err.Error()})
		return sum, err
	}
	for _, rec := range records {
		id, err := IDFromHref(rec.Href)
		if err != nil {
			sum.Skipped++
			r.logger.Warn("skipping record", zap.String("href", rec.Href), zap.Error(err))
			continue
		}
		_ = session.Process(ctx, ListItem{List: schema.List{
			ListID:       id,
			Title:        strings.TrimSpace(rec.Text),
			URL:          rec.Href,
			UserProfile:  userProfile,
			ScrapeStatus: schema.StatusPending,
		}})
		sum.Entities++
	}
	sum.Final, err = session.Finalize(ctx)
	sum.Items = session.Stats()
	sum.Duration = r.cfg.Clock.Now().Sub(started)
	if err != nil {
		r.emit(progress.Event{RunID: runID, Stage: progress.StageRunError, Dur: sum.Duration, Note: err.Error()})
		return sum, err
	}
	r.emit(progress.Event{RunID: runID, Stage: progress.StageRunDone, Dur: sum.Duration})
	r.logger.Info("lists discovered",
		zap.String("run_id", runID),
		zap.String("profile", userProfile),
		zap.Int("lists", sum.Entities),
		zap.Int("dropped", sum.Items.Dropped),
	)
	return sum, nil
}

// crawlEntity processes one work item. Dropped items and extraction failures
// fail the entity but not the run; the returned error is reserved for
// failures of the tracker itself.
func (r *Runner) crawlEntity(ctx context.Context, session *Session, wi crawlstate.WorkItem) (skipped int, failed bool, err error) {
	id := strconv.FormatInt(wi.ID, 10)
	logger := r.logger.With(zap.String("run_id", session.RunID()), zap.String("kind", string(wi.Kind)), zap.Int64("id", wi.ID))

	if _, err := r.cfg.Tracker.Claim(ctx, wi.Kind, wi.ID); err != nil {
		return 0, false, fmt.Errorf("claim %s %d: %w", wi.Kind, wi.ID, err)
	}
	if err := r.cfg.Tracker.StartEntity(ctx, wi.Kind, id); err != nil {
		return 0, false, err
	}
	started := r.cfg.Clock.Now()
	r.emit(progress.Event{RunID: session.RunID(), Stage: progress.StageEntityStart, Kind: wi.Kind, EntityID: id})

	skipped, cause := r.extractItems(ctx, session, wi)
	if cause == nil && session.taintedEntity(wi.Kind, wi.ID) {
		cause = errors.New("one or more items were dropped")
	}
	failed = cause != nil
	dur := r.cfg.Clock.Now().Sub(started)

	outcome := crawlstate.OutcomeSuccess
	stage := progress.StageEntityDone
	note := ""
	if failed {
		outcome = crawlstate.OutcomeFailed
		stage = progress.StageEntityFailed
		note = cause.Error()
		logger.Warn("entity failed", zap.Error(cause))
	}
	if err := r.cfg.Tracker.FinishEntity(ctx, wi.Kind, id, outcome, cause, dur); err != nil {
		return skipped, failed, err
	}
	session.Observe(wi.Kind, wi.ID, failed)
	r.emit(progress.Event{RunID: session.RunID(), Stage: stage, Kind: wi.Kind, EntityID: id, Dur: dur, Note: note})
	return skipped, failed, nil
}

// extractItems reads the entity page and processes what it links to. It
// returns the number of records that carried no usable id and the error
// that failed extraction, if any.
func (r *Runner) extractItems(ctx context.Context, session *Session, wi crawlstate.WorkItem) (int, error) {
	records, err := r.extract(ctx, wi.URL)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", wi.URL, err)
	}
	skipped := 0
	for _, rec := range records {
		var item Item
		switch wi.Kind {
		case schema.KindList:
			item, err = titleFromRecord(wi.ID, rec)
		default:
			item, err = volumeFromRecord(wi.ID, rec)
		}
		if err != nil {
			skipped++
			r.logger.Warn("skipping record", zap.String("href", rec.Href), zap.Error(err))
			continue
		}
		// Drops are counted by the session and fail the entity at the end.
		_ = session.Process(ctx, item)
	}

	if wi.Kind != schema.KindTitle {
		return skipped, nil
	}
	de, ok := r.cfg.Extractor.(DetailExtractor)
	if !ok {
		return skipped, nil
	}
	if err := r.wait(ctx, wi.URL); err != nil {
		return skipped, fmt.Errorf("details %s: %w", wi.URL, err)
	}
	details, err := de.Details(ctx, wi.URL)
	if err != nil {
		return skipped, fmt.Errorf("details %s: %w", wi.URL, err)
	}
	if details.Metadata != nil {
		md := *details.Metadata
		md.TitleID = wi.ID
		_ = session.Process(ctx, MetadataItem{Metadata: md})
	}
	if details.Enriched != nil {
		en := *details.Enriched
		en.TitleID = wi.ID
		_ = session.Process(ctx, EnrichedItem{Enriched: en})
	}
	return skipped, nil
}

func (r *Runner) wait(ctx context.Context, url string) error {
	if r.cfg.Throttle == nil {
		return nil
	}
	return r.cfg.Throttle.Wait(ctx, url)
}

func (r *Runner) extract(ctx context.Context, url string) ([]RawRecord, error) {
	if err := r.wait(ctx, url); err != nil {
		return nil, err
	}
	return r.cfg.Extractor.Extract(ctx, url)
}

func (r *Runner) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = r.cfg.Clock.Now().UTC()
	}
	r.cfg.Emitter.Emit(evt)
}
