// Package api hosts the read-only HTTP interface over the crawl store.
// Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for per-kind status counts.
//   - GET /v1/worksets/{kind}?mode= for the entities a run would pick up.
//   - GET /v1/entities/{kind}/{id} for one stored row and its log entries.
//   - GET /v1/log?limit=&entity= for the scraping log.
//   - GET /v1/migrations for the applied schema ledger.
package api
