package filelock

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Registry tracks in-process ownership of destination paths. Runs of
// different tasks may target the same destination; a run claims the
// resolved path for the duration of its write so no two writers race on it.
type Registry struct {
	mu     sync.RWMutex
	claims map[string]PathClaim
	now    func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		claims: make(map[string]PathClaim),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Claim registers ownership of path for owner. Claiming a path the owner
// already holds is a no-op.
func (r *Registry) Claim(owner, path string) error {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.claims[path]; ok {
		if existing.Owner == owner {
			return nil
		}
		return fmt.Errorf("%w: %s owns %s", ErrAlreadyClaimed, existing.Owner, path)
	}
	r.claims[path] = PathClaim{Owner: owner, Path: path, ClaimedAt: r.now()}
	return nil
}

// Release relinquishes ownership of path.
func (r *Registry) Release(owner, path string) error {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.claims[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, path)
	}
	if existing.Owner != owner {
		return fmt.Errorf("%w: %s owns %s", ErrNotOwner, existing.Owner, path)
	}
	delete(r.claims, path)
	return nil
}

// ReleaseAll drops every claim held by owner and returns the released
// paths in sorted order.
func (r *Registry) ReleaseAll(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for p, c := range r.claims {
		if c.Owner == owner {
			delete(r.claims, p)
			released = append(released, p)
		}
	}
	sort.Strings(released)
	return released
}

// Owner returns the run that holds path, if any.
func (r *Registry) Owner(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.claims[filepath.Clean(path)]
	return c.Owner, ok
}

// IsAvailable reports whether path is unclaimed.
func (r *Registry) IsAvailable(path string) bool {
	_, held := r.Owner(path)
	return !held
}

// Len returns the number of active claims.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claims)
}
