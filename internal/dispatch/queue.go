package dispatch

import (
	"container/heap"

	"github.com/Iron-Ham/sluice/internal/model"
)

// eventQueue is a min-heap of pending events ordered by detection time.
// Ties keep arrival order.
type eventQueue struct {
	items []queued
	seq   uint64
	paths map[string]struct{}
}

type queued struct {
	ev  model.FileEvent
	seq uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{paths: make(map[string]struct{})}
}

func (q *eventQueue) Len() int { return len(q.items) }

func (q *eventQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.ev.DetectedAt.Equal(b.ev.DetectedAt) {
		return a.ev.DetectedAt.Before(b.ev.DetectedAt)
	}
	return a.seq < b.seq
}

func (q *eventQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *eventQueue) Push(x any) { q.items = append(q.items, x.(queued)) }

func (q *eventQueue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items = q.items[:n-1]
	return it
}

// add queues ev unless its path is already pending.
func (q *eventQueue) add(ev model.FileEvent) bool {
	if _, ok := q.paths[ev.SourcePath]; ok {
		return false
	}
	q.seq++
	q.paths[ev.SourcePath] = struct{}{}
	heap.Push(q, queued{ev: ev, seq: q.seq})
	return true
}

// next removes the earliest detected event.
func (q *eventQueue) next() (model.FileEvent, bool) {
	if len(q.items) == 0 {
		return model.FileEvent{}, false
	}
	it := heap.Pop(q).(queued)
	delete(q.paths, it.ev.SourcePath)
	return it.ev, true
}

func (q *eventQueue) reset() int {
	n := len(q.items)
	q.items = nil
	clear(q.paths)
	return n
}
