// Package retry wraps a unit of persistence work with bounded attempts and
// exponential backoff, auditing every item it gives up on.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/repository"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

// Defaults used when the Policy leaves a field zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// MaxBackoff caps the wait between attempts.
const MaxBackoff = 5 * time.Minute

// Item names the unit of work being persisted.
type Item struct {
	Kind schema.Kind
	ID   string
}

func (i Item) String() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.ID)
}

// DropError reports an item that could not be persisted.
type DropError struct {
	Item      Item
	Attempts  int
	Permanent bool
	Err       error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("drop %s after %d attempt(s): %v", e.Item, e.Attempts, e.Err)
}

func (e *DropError) Unwrap() error { return e.Err }

// Policy bounds the attempts and spacing of retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based): one base
// delay after the first failure, doubling after each one that follows, never
// more than MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := min(p.BaseDelay, MaxBackoff)
	for i := 1; i < attempt; i++ {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// AuditWriter records the failure entry written when an item is dropped.
type AuditWriter interface {
	Log(ctx context.Context, entry schema.ScrapingLogEntry) error
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retryable is the default Classifier. Programming and configuration defects
// and cancellation are permanent; everything else is treated as transient.
func Retryable(err error) bool {
	var perm permanentError
	switch {
	case err == nil:
		return false
	case errors.As(err, &perm),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, repository.ErrSchemaMismatch),
		errors.Is(err, repository.ErrTypeMismatch),
		errors.Is(err, repository.ErrQueryNotFound),
		errors.Is(err, repository.ErrMissingParam),
		errors.Is(err, repository.ErrInvalidIdentifier),
		errors.Is(err, schema.ErrUnknownKind):
		return false
	default:
		return true
	}
}

// RetryAll retries every error until attempts run out.
func RetryAll(err error) bool {
	return err != nil
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClassifier overrides which errors are retried.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithScrapperName sets the scrapper_name written to audit entries.
func WithScrapperName(name string) Option {
	return func(e *Executor) {
		if name != "" {
			e.scrapper = name
		}
	}
}

// Executor runs work under a Policy.
type Executor struct {
	policy   Policy
	sleeper  Sleeper
	audit    AuditWriter
	classify Classifier
	scrapper string
	logger   *zap.Logger
}

// NewExecutor builds an Executor. audit may be nil, in which case drops are
// only logged.
func NewExecutor(policy Policy, sleeper Sleeper, audit AuditWriter, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy.withDefaults(),
		sleeper:  sleeper,
		audit:    audit,
		classify: Retryable,
		scrapper: "pipeline",
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn until it succeeds, fails permanently, or the attempts run out.
// Waits happen only between attempts. When the item is given up on, one
// item_failed audit entry is written and a *DropError is returned.
func (e *Executor) Do(ctx context.Context, item Item, fn func(context.Context) error) error {
	var (
		lastErr  error
		attempts int
	)
	for attempts < e.policy.MaxAttempts {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !e.classify(lastErr) {
			return e.drop(ctx, item, attempts, true, lastErr)
		}
		if attempts == e.policy.MaxAttempts {
			break
		}
		delay := e.policy.Backoff(attempts)
		e.logger.Warn("persist failed, retrying",
			zap.Stringer("item", item),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return e.drop(ctx, item, attempts, true, errors.Join(lastErr, err))
		}
	}
	return e.drop(ctx, item, attempts, false, lastErr)
}

func (e *Executor) drop(ctx context.Context, item Item, attempts int, permanent bool, cause error) error {
	dropErr := &DropError{Item: item, Attempts: attempts, Permanent: permanent, Err: cause}
	e.logger.Error("dropping item",
		zap.Stringer("item", item),
		zap.Int("attempts", attempts),
		zap.Bool("permanent", permanent),
		zap.Error(cause),
	)
	if e.audit == nil {
		return dropErr
	}
	msg := cause.Error()
	entry := schema.ScrapingLogEntry{
		ScrapperName:  e.scrapper,
		OperationType: schema.OpItemFailed,
		EntityID:      item.String(),
		Status:        schema.LogFailed,
		ErrorMessage:  &msg,
	}
	if err := e.audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("audit write failed", zap.Stringer("item", item), zap.Error(err))
	}
	return dropErr
}
