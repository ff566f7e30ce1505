package dispatch

import (
	"context"
	"sync"
)

// Limiter is a context-aware, resizable counting semaphore bounding the
// concurrent runs of one task.
//
// The limit is always at least 1. Lowering it never interrupts holders;
// it only delays new acquisitions until enough slots are released.
type Limiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	acquired int
}

// NewLimiter creates a limiter with n slots. Values below 1 become 1.
func NewLimiter(n int) *Limiter {
	l := &Limiter{limit: max(n, 1)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Wake waiters on cancellation so they can return the context error.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()

	for l.acquired >= l.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.acquired++
	return nil
}

// Release frees a slot.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired > 0 {
		l.acquired--
	}
	l.cond.Broadcast()
}

// SetLimit changes the number of slots. Values below 1 become 1.
func (l *Limiter) SetLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = max(n, 1)
	l.cond.Broadcast()
}

// Limit returns the current number of slots.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Acquired returns the number of held slots.
func (l *Limiter) Acquired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}
