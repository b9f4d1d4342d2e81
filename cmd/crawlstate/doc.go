// Package main hosts the crawlstate command line.
//
// Architecture overview:
//   - Storage: a SQLite file (or Postgres) holds lists, titles, volumes, title details and the scraping_log audit
//     table. Schema changes are numbered migration scripts under db/migrations/<driver>, tracked in a ledger table.
//     Every statement the crawler runs is a named query under db/queries.
//   - Crawl state: each list and title carries a scrape status (pending, in_progress, completed, failed). A crawl
//     selects its work set by mode, claims each entity, extracts the entities it links to and persists them through
//     a retrying executor. Completion is decided once per run when the session is finalized.
//   - Pages: this build reads pages from a YAML feed (paths.feed_file) keyed by the URL the crawler would request.
//   - Plumbing: Viper populates config from the file and CRAWLSTATE_* env vars; zap provides structured logging; a
//     progress hub batches lifecycle events into the log and Prometheus sinks; chi serves the status API.
//
// Commands:
//   - migrate: apply pending migrations and print the ledger.
//   - crawl --kind list|title [--mode pending|all]: run a crawl. List crawls first discover the configured user's
//     lists unless --skip-discover is set.
//   - retry-failed --kind list|title: reset failed entities to pending.
//   - status: print status counts per kind.
//   - log [--entity id] [--limit n]: print scraping log entries.
//   - serve: run the status API until SIGINT/SIGTERM.
//
// Quick checklist:
//   - Run locally: go run ./cmd/crawlstate --config config.yaml crawl --kind list
//   - Env overrides: CRAWLSTATE_DB_DSN, CRAWLSTATE_PATHS_FEED_FILE, CRAWLSTATE_CRAWL_USER_PROFILE,
//     CRAWLSTATE_SERVER_API_KEY.
package main
