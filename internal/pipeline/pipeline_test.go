package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/whakoom-crawler/internal/clock/system"
	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/migrate"
	"github.com/JakeFAU/whakoom-crawler/internal/progress"
	"github.com/JakeFAU/whakoom-crawler/internal/queries"
	"github.com/JakeFAU/whakoom-crawler/internal/repository"
	"github.com/JakeFAU/whakoom-crawler/internal/retry"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore/sqlstoretest"
)

type stack struct {
	repo    *repository.Repository
	tracker *crawlstate.Tracker
	exec    *retry.Executor
}

func newStack(t *testing.T) stack {
	t.Helper()
	db := sqlstoretest.Open(t)
	runner, err := migrate.NewFromDir(db, filepath.Join("..", "..", "db", "migrations", "sqlite"), nil)
	require.NoError(t, err)
	_, err = runner.ApplyAll(context.Background())
	require.NoError(t, err)
	qs, err := queries.Load(filepath.Join("..", "..", "db", "queries"))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	repo := repository.New(db, qs, logger)
	tracker := crawlstate.New(repo, system.New(), crawlstate.Config{ScrapperName: "lists"}, logger)
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 2}, noSleep{}, tracker,
		retry.WithLogger(logger), retry.WithScrapperName(tracker.ScrapperName()))
	return stack{repo: repo, tracker: tracker, exec: exec}
}

func (s stack) runner(t *testing.T, store Store, ext Extractor, emitter progress.Emitter) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerConfig{
		Store:     store,
		Tracker:   s.tracker,
		Persister: s.exec,
		Extractor: ext,
		Emitter:   emitter,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }

type pageExtractor struct {
	pages   map[string][]RawRecord
	details map[string]Details
	errs    map[string]error
}

func (p *pageExtractor) Extract(_ context.Context, url string) ([]RawRecord, error) {
	if err := p.errs[url]; err != nil {
		return nil, err
	}
	return p.pages[url], nil
}

func (p *pageExtractor) Details(_ context.Context, url string) (Details, error) {
	return p.details[url], nil
}

// linkFailingStore refuses every list/title link.
type linkFailingStore struct {
	*repository.Repository
}

func (linkFailingStore) InsertRelationshipIgnore(context.Context, string, map[string]any) error {
	return errors.New("database is locked")
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func seedList(t *testing.T, repo *repository.Repository, id int64) string {
	t.Helper()
	url := fmt.Sprintf("/deirdre/lists/list_%d", id)
	require.NoError(t, repo.Insert(context.Background(), schema.List{
		ListID: id, Title: "list", URL: url, UserProfile: "deirdre", ScrapeStatus: schema.StatusPending,
	}))
	return url
}

func TestIDFromHref(t *testing.T) {
	t.Parallel()

	tests := []struct {
		href string
		want int64
		err  bool
	}{
		{href: "/comics/abc/one_piece_1234", want: 1234},
		{href: "https://www.whakoom.com/deirdre/lists/favs_77/", want: 77},
		{href: "/comics/abc/naruto_55?page=2#top", want: 55},
		{href: "/comics/abc/naruto", err: true},
		{href: "/comics/abc/naruto_", err: true},
		{href: "/comics/abc/naruto_x1", err: true},
		{href: "", err: true},
	}
	for _, tt := range tests {
		got, err := IDFromHref(tt.href)
		if tt.err {
			require.ErrorIs(t, err, ErrBadHref, tt.href)
			continue
		}
		require.NoError(t, err, tt.href)
		require.Equal(t, tt.want, got, tt.href)
	}
}

func TestRunListsPersistsTitlesAndLinks(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	url1 := seedList(t, s.repo, 1)
	url2 := seedList(t, s.repo, 2)
	ext := &pageExtractor{pages: map[string][]RawRecord{
		url1: {
			{Text: " One Piece ", Href: "/comics/x/one_piece_100", Position: 1},
			{Text: "Naruto", Href: "/comics/y/naruto_200", Position: 2},
			{Text: "Ad", Href: "/promo", Position: 3},
		},
		url2: {
			{Text: "One Piece", Href: "/comics/x/one_piece_100", Position: 1},
		},
	}}

	sum, err := s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.NotEmpty(t, sum.RunID)
	require.Equal(t, 2, sum.Entities)
	require.Zero(t, sum.Failed)
	require.Equal(t, 1, sum.Skipped)
	require.Equal(t, Stats{Persisted: 5, Dropped: 0, Deduped: 1}, sum.Items)
	require.Equal(t, []string{"list:1", "list:2"}, sum.Final.Completed)

	for _, id := range []int64{1, 2} {
		st, err := s.tracker.Status(ctx, schema.KindList, id)
		require.NoError(t, err)
		require.Equal(t, schema.StatusCompleted, st)
	}
	st, err := s.tracker.Status(ctx, schema.KindTitle, 100)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, st)

	rows, err := s.repo.ExecuteNamedPositional(ctx, "LIST_TITLES", 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "One Piece", rows[0].String("title"))
	require.Equal(t, int64(1), rows[0].Int64("position"))
	require.Equal(t, int64(200), rows[1].Int64("title_id"))

	rows, err = s.repo.ExecuteNamedPositional(ctx, "LIST_TITLES", 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// A second pending run finds nothing left to do.
	sum, err = s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.Zero(t, sum.Entities)
}

func TestRunMarksListFailedWhenExtractionFails(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	url1 := seedList(t, s.repo, 1)
	url2 := seedList(t, s.repo, 2)
	ext := &pageExtractor{
		pages: map[string][]RawRecord{url1: {{Text: "Naruto", Href: "/comics/y/naruto_200", Position: 1}}},
		errs:  map[string]error{url2: errors.New("http 503")},
	}

	sum, err := s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Entities)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, []string{"list:1"}, sum.Final.Completed)
	require.Equal(t, []string{"list:2"}, sum.Final.Failed)

	st, err := s.tracker.Status(ctx, schema.KindList, 2)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, st)

	entries, err := s.tracker.EntityLog(ctx, "2")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, schema.LogStarted, entries[0].Status)
	require.Equal(t, schema.LogFailed, entries[1].Status)
	require.Contains(t, *entries[1].ErrorMessage, "http 503")

	// Manual retry puts the list back into the pending work set.
	n, err := s.tracker.RetryFailed(ctx, schema.KindList)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	delete(ext.errs, url2)
	sum, err = s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.Equal(t, []string{"list:2"}, sum.Final.Completed)
}

func TestRunDroppedItemFailsOwningList(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	url1 := seedList(t, s.repo, 1)
	ext := &pageExtractor{pages: map[string][]RawRecord{
		url1: {{Text: "One Piece", Href: "/comics/x/one_piece_100", Position: 1}},
	}}
	emitter := &recordingEmitter{}

	sum, err := s.runner(t, linkFailingStore{s.repo}, ext, emitter).Run(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, Stats{Persisted: 1, Dropped: 1}, sum.Items)
	require.Equal(t, []string{"list:1"}, sum.Final.Failed)

	st, err := s.tracker.Status(ctx, schema.KindList, 1)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, st)

	audit, err := s.tracker.EntityLog(ctx, "list_title:1/100")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, schema.OpItemFailed, audit[0].OperationType)
	require.Equal(t, "database is locked", *audit[0].ErrorMessage)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageEntityStart,
		progress.StageItemPersisted,
		progress.StageItemDropped,
		progress.StageEntityFailed,
		progress.StageRunDone,
	}, emitter.Stages())
	for _, evt := range emitter.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, sum.RunID, evt.RunID)
	}
	require.Equal(t, 2, emitter.events[3].Attempts)
}

func TestRunTitlesPersistsVolumesAndDetails(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	titleURL := "/comics/x/one_piece_100"
	require.NoError(t, s.repo.Insert(ctx, schema.Title{
		TitleID: 100, Title: "One Piece", URL: titleURL, ScrapeStatus: schema.StatusPending,
	}))
	ext := &pageExtractor{
		pages: map[string][]RawRecord{titleURL: {
			{Text: "Vol. 1", Href: "/ediciones/one_piece_1_9001", Position: 1},
			{Text: "Vol. 2", Href: "/ediciones/one_piece_2_9002", Position: 2},
		}},
		details: map[string]Details{titleURL: {
			Metadata: &schema.TitleMetadata{Author: schema.Ptr("Oda"), StartYear: schema.Ptr(int64(1997))},
			Enriched: &schema.TitleEnriched{Rating: schema.Ptr(4.8), AdditionalData: []byte(`{"tags":["pirates"]}`)},
		}},
	}

	sum, err := s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindTitle, crawlstate.ModePending)
	require.NoError(t, err)
	require.Equal(t, Stats{Persisted: 4}, sum.Items)
	require.Equal(t, []string{"title:100"}, sum.Final.Completed)

	vols, err := s.repo.ExecuteNamedPositional(ctx, "TITLE_VOLUMES", 100)
	require.NoError(t, err)
	require.Len(t, vols, 2)
	require.Equal(t, int64(9001), vols[0].Int64("volume_id"))
	require.Equal(t, "Vol. 1", vols[0].String("title"))
	require.Equal(t, int64(2), vols[1].Int64("volume_number"))

	md, ok, err := s.repo.SelectByID(ctx, "title_metadata", "title_id", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Oda", md.String("author"))

	// A rebuild rewrites the details in place and keeps the title completed.
	ext.details[titleURL] = Details{Metadata: &schema.TitleMetadata{Author: schema.Ptr("Eiichiro Oda")}}
	sum, err = s.runner(t, s.repo, ext, nil).Run(ctx, schema.KindTitle, crawlstate.ModeAll)
	require.NoError(t, err)
	require.Equal(t, []string{"title:100"}, sum.Final.Completed)

	md, ok, err = s.repo.SelectByID(ctx, "title_metadata", "title_id", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Eiichiro Oda", md.String("author"))
	require.Nil(t, md["start_year"])

	en, ok, err := s.repo.SelectByID(ctx, "title_enriched", "title_id", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"tags":["pirates"]}`, en.String("additional_data"))
}

func TestRunRejectsUnsupportedKind(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	_, err := s.runner(t, s.repo, &pageExtractor{}, nil).Run(context.Background(), schema.KindVolume, crawlstate.ModeAll)
	require.ErrorIs(t, err, crawlstate.ErrUnsupportedKind)
}

type strayItem struct{}

func (strayItem) Kind() schema.Kind { return schema.KindScrapingLog }
func (strayItem) item()             {}

func TestSessionProcessAndFinalize(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	session, err := NewSession(SessionConfig{
		RunID:     "run-1",
		Store:     s.repo,
		Tracker:   s.tracker,
		Persister: s.exec,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.ErrorIs(t, session.Process(ctx, strayItem{}), ErrUnknownItem)

	require.NoError(t, session.Process(ctx, ListItem{List: schema.List{ListID: 7, Title: "favs", URL: "/favs_7"}}))
	st, err := s.tracker.Status(ctx, schema.KindList, 7)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, st)

	// A volume for a title that does not exist violates the foreign key.
	err = session.Process(ctx, VolumeItem{Volume: schema.Volume{VolumeID: 1, TitleID: 999}})
	var drop *retry.DropError
	require.ErrorAs(t, err, &drop)

	session.Observe(schema.KindList, 7, false)
	res, err := session.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"list:7"}, res.Completed)
	require.Equal(t, Stats{Persisted: 1, Dropped: 1}, session.Stats())

	_, err = session.Finalize(ctx)
	require.Error(t, err)
}

func TestNewSessionValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSession(SessionConfig{RunID: "x"})
	require.Error(t, err)
	_, err = NewRunner(RunnerConfig{})
	require.Error(t, err)
}

func TestDiscoverRecordsListsOnce(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	ext := &pageExtractor{pages: map[string][]RawRecord{
		"/deirdre/lists": {
			{Text: "Favourites", Href: "/deirdre/lists/favourites_1"},
			{Text: "Reading", Href: "/deirdre/lists/reading_2"},
			{Text: "Profile", Href: "/deirdre"},
		},
	}}
	r := s.runner(t, s.repo, ext, nil)

	sum, err := r.Discover(ctx, "/deirdre/lists", "deirdre")
	require.NoError(t, err)
	require.Equal(t, 2, sum.Entities)
	require.Equal(t, 1, sum.Skipped)

	require.NoError(t, s.tracker.Transition(ctx, schema.KindList, 1, schema.StatusCompleted))
	_, err = r.Discover(ctx, "/deirdre/lists", "deirdre")
	require.NoError(t, err)

	items, err := s.tracker.SelectWorkSet(ctx, schema.KindList, crawlstate.ModePending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(2), items[0].ID)
	require.Equal(t, "deirdre", items[0].UserProfile)
	require.Equal(t, "Reading", items[0].Title)
}

type recordingThrottle struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *recordingThrottle) Wait(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return r.err
}

func TestRunWaitsOnThrottleBeforeEachPage(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()
	titleURL := "/comics/x/one_piece_100"
	require.NoError(t, s.repo.Insert(ctx, schema.Title{
		TitleID: 100, Title: "One Piece", URL: titleURL, ScrapeStatus: schema.StatusPending,
	}))
	ext := &pageExtractor{pages: map[string][]RawRecord{titleURL: {
		{Text: "Vol. 1", Href: "/ediciones/one_piece_1_9001", Position: 1},
	}}}
	throttle := &recordingThrottle{}
	r, err := NewRunner(RunnerConfig{
		Store:     s.repo,
		Tracker:   s.tracker,
		Persister: s.exec,
		Extractor: ext,
		Throttle:  throttle,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	sum, err := r.Run(ctx, schema.KindTitle, crawlstate.ModePending)
	require.NoError(t, err)
	require.Zero(t, sum.Failed)
	require.Equal(t, []string{titleURL, titleURL}, throttle.urls)

	// A throttle that gives up fails the entity, not the run.
	throttle.err = context.DeadlineExceeded
	sum, err = r.Run(ctx, schema.KindTitle, crawlstate.ModeAll)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
}

func TestRunIDsAreTimeOrderedUUIDs(t *testing.T) {
	t.Parallel()

	id, err := uuidV7{}.NewID()
	require.NoError(t, err)
	require.Len(t, id, 36)
	require.Equal(t, byte('7'), id[14])
}
