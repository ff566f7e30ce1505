// Package retry runs an operation with bounded exponential backoff.
//
// The delay before retry n (1-based) is Backoff * 2^(n-1), optionally capped
// at MaxBackoff. Only errors the classifier accepts are retried; everything
// else ends the loop immediately. Backoff sleeps observe the context, so a
// cancelled run stops waiting at once.
package retry

import (
	"context"
	"time"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// Policy bounds one retried operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the delay before the first retry.
	Backoff time.Duration
	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration
}

// Delay returns the wait before retry n, where n starts at 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
		if d <= 0 {
			// overflow
			if p.MaxBackoff > 0 {
				return p.MaxBackoff
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Option customizes Do.
type Option func(*config)

type config struct {
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(attempt int, delay time.Duration, err error)
}

// WithClassifier replaces errors.IsRetryable as the retry predicate.
func WithClassifier(c Classifier) Option {
	return func(cfg *config) { cfg.classify = c }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(cfg *config) { cfg.sleep = fn }
}

// WithOnRetry registers a callback invoked before each backoff sleep with
// the attempt that just failed.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(cfg *config) { cfg.onRetry = fn }
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. It returns the number of attempts made and the last
// error. If ctx is cancelled during a backoff sleep the context error is
// returned joined with the last operation error.
func Do(ctx context.Context, p Policy, fn func(attempt int) error, opts ...Option) (int, error) {
	cfg := config{
		classify: errors.IsRetryable,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	maxAttempts := p.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || !cfg.classify(err) {
			return attempt, err
		}

		delay := p.Delay(attempt)
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, delay, err)
		}
		if sleepErr := cfg.sleep(ctx, delay); sleepErr != nil {
			return attempt, errors.Join(sleepErr, err)
		}
	}
	return maxAttempts, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
