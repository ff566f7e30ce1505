// Package store defines the State & Log Store contract: durable run history,
// loaded task definitions, and per-task watcher state.
//
// The engine is written against Store alone. Implementations live in
// subpackages: memory for tests and ephemeral use, sqlite for production.
// Every implementation must pass the storetest contract suite.
package store

import (
	"context"
	"time"

	"github.com/Iron-Ham/sluice/internal/model"
)

// InterruptedMessage is recorded on runs reconciled at startup.
const InterruptedMessage = "interrupted"

// Store persists pipeline state. All methods are safe for concurrent use.
// Writes are keyed by run ID or task ID; last writer wins per row.
type Store interface {
	// SaveTask records a task definition as loaded.
	SaveTask(ctx context.Context, task model.TaskDefinition) error

	// UpsertRun inserts or updates a run. Updates that move the status
	// backwards fail with errors.ErrInvalidTransition. Inserting or updating
	// an active run for a (task, path) pair that already has a different
	// active run fails with a DuplicateEventError.
	UpsertRun(ctx context.Context, run *model.PipelineRun) error

	// GetRun returns a run by ID or a NotFoundError wrapping
	// errors.ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)

	// ListRuns returns runs matching filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.PipelineRun, error)

	// ExistsActiveRun reports whether a pending or running run exists for
	// the task and path.
	ExistsActiveRun(ctx context.Context, taskID, sourcePath string) (bool, error)

	// UpsertWatcherState records the watcher state for a task.
	UpsertWatcherState(ctx context.Context, state model.WatcherState) error

	// GetWatcherState returns the watcher state for a task; ok is false if
	// none was recorded.
	GetWatcherState(ctx context.Context, taskID string) (state model.WatcherState, ok bool, err error)

	// ReconcileInterrupted marks every pending or running run failed with
	// InterruptedMessage, completed at now, and returns the updated runs.
	ReconcileInterrupted(ctx context.Context, now time.Time) ([]*model.PipelineRun, error)

	// Close releases resources.
	Close() error
}

// RunFilter selects runs for ListRuns. Zero-valued fields do not filter.
type RunFilter struct {
	TaskID     string
	Status     model.RunStatus
	SourcePath string
	// Since keeps runs started at or after this time.
	Since time.Time
	// Limit caps the number of runs returned.
	Limit int
}

// Matches reports whether run satisfies the filter (ignoring Limit).
func (f RunFilter) Matches(run *model.PipelineRun) bool {
	if f.TaskID != "" && run.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.SourcePath != "" && run.Event.SourcePath != f.SourcePath {
		return false
	}
	if !f.Since.IsZero() && run.StartedAt.Before(f.Since) {
		return false
	}
	return true
}
