package pipeline

import (
	"context"
	"time"

	"github.com/Iron-Ham/sluice/internal/logging"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps, archive
// subfolders, and age conditions.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces the backoff sleep between step attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithMaxBackoff caps the delay between step attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(r *Runner) { r.maxBackoff = d }
}
