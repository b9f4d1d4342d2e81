// Package app initializes and holds long-lived crawl store services, acting
// as a dependency injection container for the command line actions.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/api"
	"github.com/JakeFAU/whakoom-crawler/internal/clock/system"
	"github.com/JakeFAU/whakoom-crawler/internal/config"
	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/feed"
	"github.com/JakeFAU/whakoom-crawler/internal/logging"
	"github.com/JakeFAU/whakoom-crawler/internal/metrics"
	"github.com/JakeFAU/whakoom-crawler/internal/migrate"
	"github.com/JakeFAU/whakoom-crawler/internal/pipeline"
	"github.com/JakeFAU/whakoom-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/whakoom-crawler/internal/progress"
	"github.com/JakeFAU/whakoom-crawler/internal/progress/sinks"
	"github.com/JakeFAU/whakoom-crawler/internal/queries"
	"github.com/JakeFAU/whakoom-crawler/internal/repository"
	"github.com/JakeFAU/whakoom-crawler/internal/retry"
	"github.com/JakeFAU/whakoom-crawler/internal/sqlstore"
)

// ErrNoFeed is returned by Runner when no feed file is configured.
var ErrNoFeed = errors.New("paths.feed_file is required to crawl")

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App holds the shared services. It is built once per command and closed
// when the command returns.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	db         *sqlstore.DB
	migrations *migrate.Runner
	repo       *repository.Repository
	tracker    *crawlstate.Tracker
	executor   *retry.Executor
	hub        *progress.Hub
}

// New connects to the database, loads the named queries and wires the
// tracker, retry executor and progress hub. Migrations are not applied; call
// Migrate for that.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	l := o.logger
	if l == nil {
		var err error
		l, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:       cfg.DB.Driver,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = db.Close()
		return nil, err
	}

	runner, err := migrate.NewFromDir(db, cfg.Paths.MigrationsDir, l)
	if err != nil {
		return fail(fmt.Errorf("failed to load migrations: %w", err))
	}
	qs, err := queries.Load(cfg.Paths.QueriesDir)
	if err != nil {
		return fail(fmt.Errorf("failed to load queries: %w", err))
	}
	repo := repository.New(db, qs, l)
	clock := system.New()
	tracker := crawlstate.New(repo, clock, crawlstate.Config{
		ScrapperName: cfg.Crawl.ScrapperName,
		StaleAfter:   cfg.Crawl.StaleAfter,
	}, l)
	executor := retry.NewExecutor(
		retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay},
		clock,
		tracker,
		retry.WithLogger(l),
		retry.WithScrapperName(cfg.Crawl.ScrapperName),
	)

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fail(err)
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         l,
	}, sinks.NewLogSink(l), promSink)

	l.Info("crawl store services initialized",
		zap.String("driver", cfg.DB.Driver),
		zap.String("scrapper", tracker.ScrapperName()),
	)

	return &App{
		cfg:        cfg,
		logger:     l,
		db:         db,
		migrations: runner,
		repo:       repo,
		tracker:    tracker,
		executor:   executor,
		hub:        hub,
	}, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Tracker returns the crawl state tracker.
func (a *App) Tracker() *crawlstate.Tracker { return a.tracker }

// Repository returns the generic row store.
func (a *App) Repository() *repository.Repository { return a.repo }

// Migrate applies pending migrations and reports them.
func (a *App) Migrate(ctx context.Context) ([]migrate.Migration, error) {
	applied, err := a.migrations.ApplyAll(ctx)
	if err != nil {
		return applied, err
	}
	metrics.ObserveMigrations(len(applied))
	return applied, nil
}

// Applied lists the migration ledger.
func (a *App) Applied(ctx context.Context) ([]migrate.AppliedMigration, error) {
	return a.migrations.Applied(ctx)
}

// Runner builds a crawl runner over the configured feed.
func (a *App) Runner() (*pipeline.Runner, error) {
	if a.cfg.Paths.FeedFile == "" {
		return nil, ErrNoFeed
	}
	ext, err := feed.Load(a.cfg.Paths.FeedFile)
	if err != nil {
		return nil, err
	}
	a.logger.Info("feed loaded", zap.String("path", a.cfg.Paths.FeedFile), zap.Int("pages", ext.Len()))
	return a.NewRunner(ext)
}

// NewRunner builds a crawl runner over ext, throttled per host.
func (a *App) NewRunner(ext pipeline.Extractor) (*pipeline.Runner, error) {
	throttle := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.Crawl.RequestsPerSecond,
		Burst:             a.cfg.Crawl.Burst,
	})
	return pipeline.NewRunner(pipeline.RunnerConfig{
		Store:      a.repo,
		Tracker:    a.tracker,
		Persister:  a.executor,
		Extractor:  ext,
		Throttle:   throttle,
		Emitter:    a.hub,
		DedupeSize: a.cfg.Crawl.DedupeCacheSize,
		Logger:     a.logger,
	})
}

// HTTPServer builds the status API server listening on the configured port.
func (a *App) HTTPServer() *http.Server {
	srv := api.NewServer(api.Deps{
		Tracker:    a.tracker,
		Entities:   a.repo,
		Migrations: a.migrations,
		DB:         a.db,
		Logger:     a.logger,
		APIKey:     a.cfg.Server.APIKey,
	})
	return &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Close flushes progress events and closes the database. The logger is
// synced last.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down crawl store services")
	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	// Sync fails on stderr/stdout on some platforms; ignore it.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
