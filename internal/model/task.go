// Package model defines the domain types shared by the watcher, dispatcher,
// pipeline runner, state store, and dead-letter handler.
package model

import (
	"time"
)

// TaskDefinition is a validated task as loaded from configuration. It is
// immutable for the lifetime of one configuration generation.
type TaskDefinition struct {
	ID               string           `json:"id"`
	Enabled          bool             `json:"enabled"`
	Watch            WatchSpec        `json:"watch"`
	Pipeline         []StepDefinition `json:"pipeline"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
}

// WatchSpec describes the directory a task monitors.
type WatchSpec struct {
	Directory     string        `json:"directory"`
	Glob          string        `json:"glob"`
	Debounce      time.Duration `json:"debounce"`
	Stabilization time.Duration `json:"stabilization"`

	// ProcessExisting enqueues files already present at startup whose
	// modification time is newer than the persisted high-water mark.
	ProcessExisting bool `json:"process_existing"`
}

// Equal reports whether two definitions describe the same behavior. The
// engine uses it on reload to decide whether a task must be restarted.
func (t TaskDefinition) Equal(o TaskDefinition) bool {
	if t.ID != o.ID || t.Enabled != o.Enabled || t.Watch != o.Watch ||
		t.ConcurrencyLimit != o.ConcurrencyLimit || len(t.Pipeline) != len(o.Pipeline) {
		return false
	}
	for i := range t.Pipeline {
		if !t.Pipeline[i].Equal(o.Pipeline[i]) {
			return false
		}
	}
	return true
}

// WatcherStatus is the health of a task's directory watcher.
type WatcherStatus string

const (
	// WatcherHealthy means the directory is being monitored.
	WatcherHealthy WatcherStatus = "healthy"
	// WatcherDegraded means the directory is missing or unreadable; no
	// events are emitted until it recovers.
	WatcherDegraded WatcherStatus = "degraded"
	// WatcherStopped means the task was disabled or the process is stopping.
	WatcherStopped WatcherStatus = "stopped"
)

// WatcherState is the persisted per-task watcher record.
type WatcherState struct {
	TaskID    string        `json:"task_id"`
	Directory string        `json:"directory"`
	Status    WatcherStatus `json:"status"`
	// HighWater is the newest modification time of any emitted file.
	HighWater time.Time `json:"high_water"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
