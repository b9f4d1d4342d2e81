package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/JakeFAU/whakoom-crawler/internal/app"
	"github.com/JakeFAU/whakoom-crawler/internal/config"
)

const appKey = "app"

// newCLI builds the command tree. opts are passed to app.New so tests can
// swap the logger and metrics registry.
func newCLI(opts ...app.Option) *cli.App {
	kindFlag := &cli.StringFlag{
		Name:     "kind",
		Usage:    "entity kind to act on (list or title)",
		Required: true,
	}
	return &cli.App{
		Name:  "crawlstate",
		Usage: "crawl Whakoom lists and titles into a local store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (YAML)",
				EnvVars: []string{"CRAWLSTATE_CONFIG"},
			},
		},
		// Before builds the services every command shares.
		Before: func(c *cli.Context) error {
			if c.Args().Len() == 0 || c.Args().First() == "help" {
				return nil
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			a, err := app.New(c.Context, cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.App.Metadata[appKey] = a
			return nil
		},
		After: func(c *cli.Context) error {
			if a, ok := c.App.Metadata[appKey].(*app.App); ok && a != nil {
				delete(c.App.Metadata, appKey)
				return a.Close(c.Context)
			}
			return nil
		},
		Metadata: map[string]any{},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply pending migrations",
				Action: MigrateAction,
			},
			{
				Name:  "crawl",
				Usage: "crawl the lists or titles in the work set",
				Description: "Mode all rereads every row but never moves a completed or failed row\n" +
					"backwards: failed entities stay failed even when they now crawl cleanly.\n" +
					"Run retry-failed first to give them a fresh attempt.",
				Flags: []cli.Flag{
					kindFlag,
					&cli.StringFlag{
						Name:  "mode",
						Usage: "work set: pending or all (default from config); all keeps failed rows failed, run retry-failed first",
					},
					&cli.BoolFlag{Name: "skip-discover", Usage: "do not read the user's lists page first"},
				},
				Action: CrawlAction,
			},
			{
				Name:   "retry-failed",
				Usage:  "reset failed entities to pending",
				Flags:  []cli.Flag{kindFlag},
				Action: RetryFailedAction,
			},
			{
				Name:   "status",
				Usage:  "print status counts",
				Action: StatusAction,
			},
			{
				Name:  "log",
				Usage: "print scraping log entries",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "entity", Usage: "only entries for this entity id"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum entries"},
				},
				Action: LogAction,
			},
			{
				Name:   "serve",
				Usage:  "serve the status API",
				Action: ServeAction,
			},
		},
	}
}

func appFrom(c *cli.Context) (*app.App, error) {
	a, ok := c.App.Metadata[appKey].(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
