package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/clock/system"
	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/progress"
	"github.com/JakeFAU/whakoom-crawler/internal/retry"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

// DefaultDedupeSize bounds the per-run cache of titles already written.
const DefaultDedupeSize = 4096

// Store is the slice of the repository a session writes through.
type Store interface {
	InsertIgnore(ctx context.Context, rec schema.Record) (bool, error)
	Update(ctx context.Context, rec schema.Record, keyField string, keyValue any) error
	InsertRelationshipIgnore(ctx context.Context, table string, fields map[string]any) error
}

// Transitioner moves entities to their final status.
type Transitioner interface {
	Transition(ctx context.Context, kind schema.Kind, id int64, to schema.Status) error
}

// Persister runs one write with retries. *retry.Executor satisfies it.
type Persister interface {
	Do(ctx context.Context, item retry.Item, fn func(context.Context) error) error
}

// SessionConfig wires a Session.
type SessionConfig struct {
	RunID      string
	Store      Store
	Tracker    Transitioner
	Persister  Persister
	Emitter    progress.Emitter
	Clock      crawlstate.Clock
	DedupeSize int
	Logger     *zap.Logger
}

type entityKey struct {
	kind schema.Kind
	id   int64
}

// Stats counts what a session did.
type Stats struct {
	Persisted int `json:"persisted"`
	Dropped   int `json:"dropped"`
	Deduped   int `json:"deduped"`
}

// Session is the state of one crawl run: which lists and titles it finished,
// which of them lost child items, and which titles it already wrote.
// Finalize flushes it.
type Session struct {
	cfg    SessionConfig
	seen   *lru.Cache[int64, struct{}]
	logger *zap.Logger

	mu        sync.Mutex
	done      map[entityKey]struct{}
	tainted   map[entityKey]bool
	stats     Stats
	finalized bool
}

// NewSession builds a Session. Store, Tracker and Persister are required.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil || cfg.Tracker == nil || cfg.Persister == nil {
		return nil, errors.New("session requires store, tracker and persister")
	}
	if cfg.RunID == "" {
		return nil, errors.New("session requires a run id")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seen, err := lru.New[int64, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	return &Session{
		cfg:     cfg,
		seen:    seen,
		logger:  cfg.Logger.With(zap.String("run_id", cfg.RunID)),
		done:    make(map[entityKey]struct{}),
		tainted: make(map[entityKey]bool),
	}, nil
}

// RunID identifies the session in logs and progress events.
func (s *Session) RunID() string { return s.cfg.RunID }

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Process persists one item. A dropped write marks the owning list or title
// as failed and comes back as a *retry.DropError; the session stays usable.
func (s *Session) Process(ctx context.Context, item Item) error {
	switch it := item.(type) {
	case ListItem:
		return s.processList(ctx, it)
	case TitleItem:
		return s.processTitle(ctx, it)
	case VolumeItem:
		return s.processVolume(ctx, it)
	case MetadataItem:
		return s.processMetadata(ctx, it)
	case EnrichedItem:
		return s.processEnriched(ctx, it)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownItem, item)
	}
}

func (s *Session) processList(ctx context.Context, it ListItem) error {
	if it.List.ScrapeStatus == "" {
		it.List.ScrapeStatus = schema.StatusPending
	}
	id := strconv.FormatInt(it.List.ListID, 10)
	return s.persist(ctx, schema.KindList, id, entityKey{schema.KindList, it.List.ListID}, func(ctx context.Context) error {
		_, err := s.cfg.Store.InsertIgnore(ctx, it.List)
		return err
	})
}

// processTitle writes the title once per run and links it to its list every
// time it is seen.
func (s *Session) processTitle(ctx context.Context, it TitleItem) error {
	if it.Title.ScrapeStatus == "" {
		it.Title.ScrapeStatus = schema.StatusPending
	}
	titleID := it.Title.TitleID
	owner := entityKey{schema.KindList, it.ListID}
	id := strconv.FormatInt(titleID, 10)

	if s.seen.Contains(titleID) {
		s.mu.Lock()
		s.stats.Deduped++
		s.mu.Unlock()
	} else {
		err := s.persist(ctx, schema.KindTitle, id, owner, func(ctx context.Context) error {
			_, err := s.cfg.Store.InsertIgnore(ctx, it.Title)
			return err
		})
		if err != nil {
			return err
		}
		s.seen.Add(titleID, struct{}{})
	}

	link := strconv.FormatInt(it.ListID, 10) + "/" + id
	return s.persist(ctx, schema.KindListTitle, link, owner, func(ctx context.Context) error {
		return s.cfg.Store.InsertRelationshipIgnore(ctx, schema.ListsTitles.Name, map[string]any{
			"list_id":  it.ListID,
			"title_id": titleID,
			"position": it.Position,
		})
	})
}

func (s *Session) processVolume(ctx context.Context, it VolumeItem) error {
	id := strconv.FormatInt(it.Volume.VolumeID, 10)
	owner := entityKey{schema.KindTitle, it.Volume.TitleID}
	return s.persist(ctx, schema.KindVolume, id, owner, func(ctx context.Context) error {
		_, err := s.cfg.Store.InsertIgnore(ctx, it.Volume)
		return err
	})
}

func (s *Session) processMetadata(ctx context.Context, it MetadataItem) error {
	titleID := it.Metadata.TitleID
	return s.persist(ctx, schema.KindTitleMetadata, strconv.FormatInt(titleID, 10), entityKey{schema.KindTitle, titleID},
		func(ctx context.Context) error { return s.upsert(ctx, it.Metadata, titleID) })
}

func (s *Session) processEnriched(ctx context.Context, it EnrichedItem) error {
	titleID := it.Enriched.TitleID
	return s.persist(ctx, schema.KindTitleEnriched, strconv.FormatInt(titleID, 10), entityKey{schema.KindTitle, titleID},
		func(ctx context.Context) error { return s.upsert(ctx, it.Enriched, titleID) })
}

// upsert writes rec, replacing the existing row for the title on rescrape.
func (s *Session) upsert(ctx context.Context, rec schema.Record, titleID int64) error {
	inserted, err := s.cfg.Store.InsertIgnore(ctx, rec)
	if err != nil || inserted {
		return err
	}
	return s.cfg.Store.Update(ctx, rec, "title_id", titleID)
}

// persist runs fn through the persister, counts the outcome and emits the
// matching progress event. A drop taints owner.
func (s *Session) persist(ctx context.Context, kind schema.Kind, id string, owner entityKey, fn func(context.Context) error) error {
	err := s.cfg.Persister.Do(ctx, retry.Item{Kind: kind, ID: id}, fn)
	evt := progress.Event{
		RunID:    s.cfg.RunID,
		TS:       s.cfg.Clock.Now().UTC(),
		Stage:    progress.StageItemPersisted,
		Kind:     kind,
		EntityID: id,
	}
	s.mu.Lock()
	if err != nil {
		s.stats.Dropped++
		s.tainted[owner] = true
	} else {
		s.stats.Persisted++
	}
	s.mu.Unlock()
	if err != nil {
		evt.Stage = progress.StageItemDropped
		evt.Note = err.Error()
		var drop *retry.DropError
		if errors.As(err, &drop) {
			evt.Attempts = drop.Attempts
		}
	}
	s.cfg.Emitter.Emit(evt)
	return err
}

// Observe records that the crawl of a list or title ran to the end. failed
// marks it as failed regardless of its items.
func (s *Session) Observe(kind schema.Kind, id int64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey{kind, id}
	s.done[key] = struct{}{}
	if failed {
		s.tainted[key] = true
	}
}

func (s *Session) taintedEntity(kind schema.Kind, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tainted[entityKey{kind, id}]
}

// FinalizeResult lists what Finalize did.
type FinalizeResult struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// Finalize moves every observed list and title to completed, or to failed if
// it lost an item, and closes the session. Entities already in a later
// status are left as they are.
func (s *Session) Finalize(ctx context.Context) (FinalizeResult, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return FinalizeResult{}, errors.New("session already finalized")
	}
	s.finalized = true
	keys := make([]entityKey, 0, len(s.done))
	for key := range s.done {
		keys = append(keys, key)
	}
	failed := make(map[entityKey]bool, len(keys))
	for _, key := range keys {
		failed[key] = s.tainted[key]
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].id < keys[j].id
	})

	var (
		res  FinalizeResult
		errs []error
	)
	for _, key := range keys {
		to := schema.StatusCompleted
		if failed[key] {
			to = schema.StatusFailed
		}
		label := fmt.Sprintf("%s:%d", key.kind, key.id)
		err := s.cfg.Tracker.Transition(ctx, key.kind, key.id, to)
		switch {
		case err == nil && to == schema.StatusCompleted:
			res.Completed = append(res.Completed, label)
		case err == nil:
			res.Failed = append(res.Failed, label)
		case errors.Is(err, crawlstate.ErrInvalidTransition):
			s.logger.Debug("finalize skipped entity", zap.String("entity", label), zap.Error(err))
			res.Skipped = append(res.Skipped, label)
		default:
			s.logger.Error("finalize entity", zap.String("entity", label), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.logger.Info("session finalized",
		zap.Int("completed", len(res.Completed)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, errors.Join(errs...)
}
