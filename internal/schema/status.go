package schema

import (
	"errors"
	"fmt"
)

// Status tracks scrape progress for lists and titles.
type Status string

// Scrape statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrUnknownStatus is returned for values outside the status vocabulary.
var ErrUnknownStatus = errors.New("unknown scrape status")

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no further work is expected without a manual retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is allowed.
// Statuses only move forward, except failed rows may be reset to pending.
// Re-asserting the current status is allowed so repeated writes stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCompleted || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}
