package crawlstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/whakoom-crawler/internal/migrate"
	"github.com/JakeFAU/whakoom-crawler/internal/queries"
	"github.com/JakeFAU/whakoom-crawler/internal/repository"
	"github.com/JakeFAU/whakoom-crawler/internal/retry"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore/sqlstoretest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T, cfg Config) (*Tracker, *repository.Repository, *fakeClock) {
	t.Helper()
	db := sqlstoretest.Open(t)
	runner, err := migrate.NewFromDir(db, filepath.Join("..", "..", "db", "migrations", "sqlite"), nil)
	require.NoError(t, err)
	_, err = runner.ApplyAll(context.Background())
	require.NoError(t, err)
	qs, err := queries.Load(filepath.Join("..", "..", "db", "queries"))
	require.NoError(t, err)
	repo := repository.New(db, qs, zaptest.NewLogger(t))
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(repo, clock, cfg, zaptest.NewLogger(t)), repo, clock
}

func seedLists(t *testing.T, repo *repository.Repository, statuses ...schema.Status) {
	t.Helper()
	for i, st := range statuses {
		require.NoError(t, repo.Insert(context.Background(), schema.List{
			ListID: int64(i + 1), Title: "list", URL: "/lists/l_" + string(rune('a'+i)), ScrapeStatus: st,
		}))
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModePending, m)
	m, err = ParseMode("all")
	require.NoError(t, err)
	require.Equal(t, ModeAll, m)
	_, err = ParseMode("stale")
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestSelectWorkSetModes(t *testing.T) {
	t.Parallel()

	tracker, repo, _ := newTracker(t, Config{})
	ctx := context.Background()
	seedLists(t, repo, schema.StatusPending, schema.StatusCompleted, schema.StatusFailed, schema.StatusInProgress, schema.StatusPending)

	pending, err := tracker.SelectWorkSet(ctx, schema.KindList, ModePending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, item := range pending {
		require.NotEqual(t, schema.StatusCompleted, item.Status)
		require.Equal(t, schema.StatusPending, item.Status)
	}
	require.Equal(t, int64(1), pending[0].ID)
	require.Equal(t, int64(5), pending[1].ID)

	all, err := tracker.SelectWorkSet(ctx, schema.KindList, ModeAll)
	require.NoError(t, err)
	require.Len(t, all, 5)

	_, err = tracker.SelectWorkSet(ctx, schema.KindVolume, ModeAll)
	require.ErrorIs(t, err, ErrUnsupportedKind)
	_, err = tracker.SelectWorkSet(ctx, schema.KindList, Mode("bogus"))
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestStaleClaimsAreReclaimed(t *testing.T) {
	t.Parallel()

	tracker, repo, clock := newTracker(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	seedLists(t, repo, schema.StatusPending)

	claimed, err := tracker.Claim(ctx, schema.KindList, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	work, err := tracker.SelectWorkSet(ctx, schema.KindList, ModePending)
	require.NoError(t, err)
	require.Empty(t, work, "fresh claim is not reclaimed")

	clock.Advance(11 * time.Minute)
	work, err = tracker.SelectWorkSet(ctx, schema.KindList, ModePending)
	require.NoError(t, err)
	require.Len(t, work, 1)
	require.Equal(t, schema.StatusInProgress, work[0].Status)
	require.NotNil(t, work[0].ClaimedAt)
}

func TestStaleReclaimDisabled(t *testing.T) {
	t.Parallel()

	tracker, repo, clock := newTracker(t, Config{})
	ctx := context.Background()
	seedLists(t, repo, schema.StatusPending)
	_, err := tracker.Claim(ctx, schema.KindList, 1)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	work, err := tracker.SelectWorkSet(ctx, schema.KindList, ModePending)
	require.NoError(t, err)
	require.Empty(t, work)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	tracker, repo, _ := newTracker(t, Config{})
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, schema.Title{TitleID: 9, Title: "t", URL: "u", ScrapeStatus: schema.StatusPending}))

	_, err := tracker.Claim(ctx, schema.KindTitle, 9)
	require.NoError(t, err)
	st, err := tracker.Status(ctx, schema.KindTitle, 9)
	require.NoError(t, err)
	require.Equal(t, schema.StatusInProgress, st)

	require.NoError(t, tracker.Transition(ctx, schema.KindTitle, 9, schema.StatusCompleted))
	row, _, err := repo.SelectByID(ctx, "titles", "title_id", 9)
	require.NoError(t, err)
	require.Equal(t, "completed", row["scrape_status"])
	require.NotNil(t, row["scraped_at"])

	err = tracker.Transition(ctx, schema.KindTitle, 9, schema.StatusPending)
	require.ErrorIs(t, err, ErrInvalidTransition)

	claimed, err := tracker.Claim(ctx, schema.KindTitle, 9)
	require.NoError(t, err)
	require.False(t, claimed)
	st, err = tracker.Status(ctx, schema.KindTitle, 9)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, st)

	_, err = tracker.Status(ctx, schema.KindTitle, 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteIsOneStatement(t *testing.T) {
	t.Parallel()

	tracker, repo, _ := newTracker(t, Config{})
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, schema.Title{TitleID: 9, Title: "t", URL: "u", ScrapeStatus: schema.StatusPending}))
	_, err := tracker.Claim(ctx, schema.KindTitle, 9)
	require.NoError(t, err)

	_, err = repo.Exec(ctx, `CREATE TRIGGER block_complete BEFORE UPDATE OF scrape_status ON titles
WHEN NEW.scrape_status = 'completed'
BEGIN
	SELECT RAISE(ABORT, 'completion blocked');
END`)
	require.NoError(t, err)

	err = tracker.Transition(ctx, schema.KindTitle, 9, schema.StatusCompleted)
	require.Error(t, err)
	require.Contains(t, err.Error(), "completion blocked")

	row, ok, err := repo.SelectByID(ctx, "titles", "title_id", 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "in_progress", row["scrape_status"])
	require.Nil(t, row["scraped_at"])
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()

	tracker, repo, _ := newTracker(t, Config{ScrapperName: "lists"})
	ctx := context.Background()
	seedLists(t, repo, schema.StatusFailed, schema.StatusCompleted, schema.StatusFailed)

	n, err := tracker.RetryFailed(ctx, schema.KindList)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	counts, err := tracker.StatusCounts(ctx, schema.KindList)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[schema.StatusPending])
	require.Equal(t, int64(1), counts[schema.StatusCompleted])
	require.Equal(t, int64(0), counts[schema.StatusFailed])

	log, err := tracker.RecentLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, schema.OpRetryAll, log[0].OperationType)
	require.Equal(t, "lists", log[0].ScrapperName)
}

func TestStartFinishEntityLog(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTracker(t, Config{ScrapperName: "lists"})
	ctx := context.Background()

	require.NoError(t, tracker.StartEntity(ctx, schema.KindList, "7"))
	require.NoError(t, tracker.FinishEntity(ctx, schema.KindList, "7", OutcomeSuccess, nil, 1500*time.Millisecond))
	require.NoError(t, tracker.StartEntity(ctx, schema.KindList, "8"))
	require.NoError(t, tracker.FinishEntity(ctx, schema.KindList, "8", OutcomeFailed, errors.New("timeout"), time.Second))

	entries, err := tracker.EntityLog(ctx, "7")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, schema.LogStarted, entries[0].Status)
	require.Nil(t, entries[0].DurationMS)
	require.Equal(t, schema.LogSuccess, entries[1].Status)
	require.Equal(t, int64(1500), *entries[1].DurationMS)
	require.Equal(t, "list", entries[1].OperationType)

	recent, err := tracker.RecentLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "8", recent[0].EntityID)
	require.Equal(t, schema.LogFailed, recent[0].Status)
	require.Equal(t, "timeout", *recent[0].ErrorMessage)
}

func TestTrackerAuditsRetryDrops(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTracker(t, Config{ScrapperName: "lists"})
	ctx := context.Background()
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 3}, noSleep{}, tracker, retry.WithScrapperName(tracker.ScrapperName()))

	err := exec.Do(ctx, retry.Item{Kind: schema.KindTitle, ID: "5"}, func(context.Context) error {
		return errors.New("disk I/O error")
	})
	var drop *retry.DropError
	require.ErrorAs(t, err, &drop)
	require.Equal(t, 3, drop.Attempts)

	entries, err := tracker.EntityLog(ctx, "title:5")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, schema.OpItemFailed, entries[0].OperationType)
	require.Equal(t, "disk I/O error", *entries[0].ErrorMessage)
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }
