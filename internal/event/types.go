package event

import (
	"time"

	"github.com/Iron-Ham/sluice/internal/model"
)

// Event type identifiers, "category.action".
const (
	TypeRunStarted      = "run.started"
	TypeRunSucceeded    = "run.succeeded"
	TypeRunFailed       = "run.failed"
	TypeRunDeadLettered = "run.deadlettered"
	TypeRunDuplicate    = "run.duplicate"
	TypeStepRetried     = "step.retried"
	TypeTaskStarted     = "task.started"
	TypeTaskStopped     = "task.stopped"
	TypeTaskDegraded    = "task.degraded"
	TypeTaskRecovered   = "task.recovered"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// TaskEvent is implemented by events scoped to one task.
type TaskEvent interface {
	Event
	Task() string
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
	taskID    string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) Task() string         { return e.taskID }

func newBaseEvent(eventType, taskID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
		taskID:    taskID,
	}
}

// -----------------------------------------------------------------------------
// Run Lifecycle Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted when a run is admitted and persisted as running.
type RunStartedEvent struct {
	baseEvent
	RunID      string
	SourcePath string
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(taskID, runID, sourcePath string) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:  newBaseEvent(TypeRunStarted, taskID),
		RunID:      runID,
		SourcePath: sourcePath,
	}
}

// RunSucceededEvent is emitted when a run completes all steps, or stops
// early on a false decision (Skipped).
type RunSucceededEvent struct {
	baseEvent
	RunID    string
	Skipped  bool
	Duration time.Duration
}

// NewRunSucceededEvent creates a RunSucceededEvent.
func NewRunSucceededEvent(taskID, runID string, skipped bool, d time.Duration) RunSucceededEvent {
	return RunSucceededEvent{
		baseEvent: newBaseEvent(TypeRunSucceeded, taskID),
		RunID:     runID,
		Skipped:   skipped,
		Duration:  d,
	}
}

// RunFailedEvent is emitted when a step fails permanently or exhausts its
// retries. A dead-letter event normally follows.
type RunFailedEvent struct {
	baseEvent
	RunID     string
	StepIndex int
	StepType  model.StepType
	Error     string
}

// NewRunFailedEvent creates a RunFailedEvent.
func NewRunFailedEvent(taskID, runID string, stepIndex int, stepType model.StepType, errMsg string) RunFailedEvent {
	return RunFailedEvent{
		baseEvent: newBaseEvent(TypeRunFailed, taskID),
		RunID:     runID,
		StepIndex: stepIndex,
		StepType:  stepType,
		Error:     errMsg,
	}
}

// RunDeadLetteredEvent is emitted once the failed file has been relocated
// and the run finalized.
type RunDeadLetteredEvent struct {
	baseEvent
	RunID          string
	DeadLetterPath string
	ContentMissing bool
}

// NewRunDeadLetteredEvent creates a RunDeadLetteredEvent.
func NewRunDeadLetteredEvent(taskID, runID, path string, contentMissing bool) RunDeadLetteredEvent {
	return RunDeadLetteredEvent{
		baseEvent:      newBaseEvent(TypeRunDeadLettered, taskID),
		RunID:          runID,
		DeadLetterPath: path,
		ContentMissing: contentMissing,
	}
}

// RunDuplicateEvent is emitted when an event is dropped because a run for
// the same path is already active.
type RunDuplicateEvent struct {
	baseEvent
	SourcePath string
}

// NewRunDuplicateEvent creates a RunDuplicateEvent.
func NewRunDuplicateEvent(taskID, sourcePath string) RunDuplicateEvent {
	return RunDuplicateEvent{
		baseEvent:  newBaseEvent(TypeRunDuplicate, taskID),
		SourcePath: sourcePath,
	}
}

// StepRetriedEvent is emitted before a failed step is retried.
type StepRetriedEvent struct {
	baseEvent
	RunID     string
	StepIndex int
	Attempt   int
	Delay     time.Duration
	Error     string
}

// NewStepRetriedEvent creates a StepRetriedEvent.
func NewStepRetriedEvent(taskID, runID string, stepIndex, attempt int, delay time.Duration, errMsg string) StepRetriedEvent {
	return StepRetriedEvent{
		baseEvent: newBaseEvent(TypeStepRetried, taskID),
		RunID:     runID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Delay:     delay,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskStartedEvent is emitted when a task's watcher and dispatcher start.
type TaskStartedEvent struct {
	baseEvent
	Directory string
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(taskID, directory string) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent: newBaseEvent(TypeTaskStarted, taskID),
		Directory: directory,
	}
}

// TaskStoppedEvent is emitted after a task has been disabled and drained.
type TaskStoppedEvent struct {
	baseEvent
	Reason string
}

// NewTaskStoppedEvent creates a TaskStoppedEvent.
func NewTaskStoppedEvent(taskID, reason string) TaskStoppedEvent {
	return TaskStoppedEvent{
		baseEvent: newBaseEvent(TypeTaskStopped, taskID),
		Reason:    reason,
	}
}

// WatcherStateEvent reports a watcher health transition. Its type is
// task.degraded or task.recovered depending on the new status.
type WatcherStateEvent struct {
	baseEvent
	State model.WatcherState
}

// NewWatcherStateEvent creates a WatcherStateEvent.
func NewWatcherStateEvent(state model.WatcherState) WatcherStateEvent {
	typ := TypeTaskRecovered
	if state.Status != model.WatcherHealthy {
		typ = TypeTaskDegraded
	}
	return WatcherStateEvent{
		baseEvent: newBaseEvent(typ, state.TaskID),
		State:     state,
	}
}
