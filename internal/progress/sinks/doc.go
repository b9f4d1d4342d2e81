// Package sinks implements progress consumers for structured logs and
// Prometheus metrics.
package sinks
