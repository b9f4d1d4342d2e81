package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/app"
	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

const shutdownTimeout = 10 * time.Second

// MigrateAction applies pending migrations and prints the ledger.
func MigrateAction(c *cli.Context) error {
	a, err := appFrom(c)
	if err != nil {
		return err
	}
	applied, err := a.Migrate(c.Context)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, m := range applied {
		fmt.Fprintf(c.App.Writer, "applied %s %s\n", m.Version, m.Name)
	}
	ledger, err := a.Applied(c.Context)
	if err != nil {
		return fmt.Errorf("failed to read migration ledger: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "%d migrations applied, %d new\n", len(ledger), len(applied))
	return nil
}

// CrawlAction runs one crawl of --kind. A list crawl first discovers the
// configured user's lists.
func CrawlAction(c *cli.Context) error {
	a, err := prepared(c)
	if err != nil {
		return err
	}
	kind, err := crawlKind(c)
	if err != nil {
		return err
	}
	modeFlag := c.String("mode")
	if modeFlag == "" {
		modeFlag = a.Config().Crawl.Mode
	}
	mode, err := crawlstate.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	runner, err := a.Runner()
	if err != nil {
		return err
	}

	crawl := a.Config().Crawl
	if kind == schema.KindList && !c.Bool("skip-discover") && crawl.ProfileURL() != "" {
		sum, err := runner.Discover(c.Context, crawl.ProfileURL(), crawl.UserProfile)
		if err != nil {
			return fmt.Errorf("failed to discover lists: %w", err)
		}
		if err := printJSON(c, sum); err != nil {
			return err
		}
	}

	sum, err := runner.Run(c.Context, kind, mode)
	if perr := printJSON(c, sum); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		return fmt.Errorf("crawl %s: %w", kind, err)
	}
	if n := len(sum.Final.Skipped); n > 0 {
		fmt.Fprintf(c.App.Writer,
			"%d %s entities kept their completed or failed status; run retry-failed --kind %s to re-crawl failed ones\n",
			n, kind, kind)
	}
	if sum.Failed > 0 {
		a.Logger().Warn("crawl finished with failures",
			zap.String("kind", string(kind)),
			zap.Int("failed", sum.Failed),
		)
	}
	return nil
}

// RetryFailedAction resets failed entities of --kind to pending.
func RetryFailedAction(c *cli.Context) error {
	a, err := prepared(c)
	if err != nil {
		return err
	}
	kind, err := crawlKind(c)
	if err != nil {
		return err
	}
	n, err := a.Tracker().RetryFailed(c.Context, kind)
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", kind, err)
	}
	fmt.Fprintf(c.App.Writer, "reset %d failed %s entities to pending\n", n, kind)
	return nil
}

// StatusAction prints status counts for lists and titles.
func StatusAction(c *cli.Context) error {
	a, err := prepared(c)
	if err != nil {
		return err
	}
	out := make(map[schema.Kind]map[schema.Status]int64, 2)
	for _, kind := range []schema.Kind{schema.KindList, schema.KindTitle} {
		counts, err := a.Tracker().StatusCounts(c.Context, kind)
		if err != nil {
			return fmt.Errorf("failed to count %s statuses: %w", kind, err)
		}
		out[kind] = counts
	}
	return printJSON(c, out)
}

// LogAction prints scraping log entries, newest first, or the history of
// one entity when --entity is set.
func LogAction(c *cli.Context) error {
	a, err := prepared(c)
	if err != nil {
		return err
	}
	limit := c.Int("limit")
	if limit <= 0 {
		return errors.New("--limit must be > 0")
	}
	var entries []crawlstate.LogRecord
	if entity := c.String("entity"); entity != "" {
		entries, err = a.Tracker().EntityLog(c.Context, entity)
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries, err = a.Tracker().RecentLog(c.Context, limit)
	}
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-8s %-12s %-10s %s",
			e.CreatedAt.Format(time.RFC3339), e.Status, e.OperationType, e.EntityID, e.ScrapperName)
		if e.ErrorMessage != nil {
			line += " error=" + *e.ErrorMessage
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return nil
}

// ServeAction runs the status API until the command context ends.
func ServeAction(c *cli.Context) error {
	a, err := prepared(c)
	if err != nil {
		return err
	}
	return serve(c.Context, a)
}

func serve(ctx context.Context, a *app.App) error {
	logger := a.Logger()
	srv := a.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("status api stopped")
	return nil
}

// prepared returns the shared services with the schema brought up to date.
func prepared(c *cli.Context) (*app.App, error) {
	a, err := appFrom(c)
	if err != nil {
		return nil, err
	}
	if _, err := a.Migrate(c.Context); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return a, nil
}

func crawlKind(c *cli.Context) (schema.Kind, error) {
	kind, err := schema.ParseKind(c.String("kind"))
	if err != nil {
		return "", err
	}
	if kind != schema.KindList && kind != schema.KindTitle {
		return "", fmt.Errorf("%w: %s", crawlstate.ErrUnsupportedKind, kind)
	}
	return kind, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
