// Package progress carries crawl lifecycle events (runs, entities, dropped
// items) from the pipeline to pluggable sinks. Events are batched on a
// background goroutine so emitting never blocks a crawl. The durable audit
// trail lives in the scraping log, not here.
package progress
