package filelock

import (
	"errors"
	"time"
)

// Sentinel errors returned by registry and lock operations.
var (
	// ErrAlreadyClaimed is returned when a path is claimed by another run.
	ErrAlreadyClaimed = errors.New("path already claimed by another run")

	// ErrNotOwner is returned when a run releases a path it does not own.
	ErrNotOwner = errors.New("run does not own this path")

	// ErrNotClaimed is returned when releasing an unclaimed path.
	ErrNotClaimed = errors.New("path is not claimed")

	// ErrLocked is returned by TryLock when another process holds the lock.
	ErrLocked = errors.New("lock held by another process")
)

// PathClaim records which run is writing a destination path.
type PathClaim struct {
	Owner     string    // run ID
	Path      string    // cleaned absolute or relative path
	ClaimedAt time.Time // when the claim was established
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for ClaimedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}
