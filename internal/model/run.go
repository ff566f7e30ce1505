package model

import (
	"time"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	// RunPending is a run that has been created but not yet admitted.
	RunPending RunStatus = "pending"
	// RunRunning is a run whose steps are executing.
	RunRunning RunStatus = "running"
	// RunSucceeded is a run whose final step succeeded, or that a decision
	// step ended early.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed is a run that stopped on a step failure or was interrupted.
	RunFailed RunStatus = "failed"
	// RunDeadLettered is a failed run whose input has been relocated to the
	// dead-letter location.
	RunDeadLettered RunStatus = "deadlettered"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further processing will happen for the run.
// A failed run is not terminal until the dead-letter handler has finalized it.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunDeadLettered
}

// IsActive reports whether the run blocks new runs for the same path.
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunDeadLettered:
		return true
	}
	return false
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed},
	RunRunning: {RunSucceeded, RunFailed},
	RunFailed:  {RunDeadLettered},
}

// CanTransition reports whether a run may move from s to next. Re-writing
// the same status is allowed for running rows, which are updated after
// every step, and rejected for every other status.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return s == RunRunning
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepOutcome is the result of one step.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeSkipped   StepOutcome = "skipped"
	OutcomeFailed    StepOutcome = "failed"
)

// FileEvent is a stabilized file ready for processing.
type FileEvent struct {
	TaskID     string     `json:"task_id"`
	SourcePath string     `json:"source_path"`
	DetectedAt time.Time  `json:"detected_at"`
	StableAt   *time.Time `json:"stable_at,omitempty"`
	Size       int64      `json:"size"`
	ModTime    time.Time  `json:"mod_time"`
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	StepIndex     int         `json:"step_index"`
	Type          StepType    `json:"type"`
	Attempts      int         `json:"attempts"`
	Outcome       StepOutcome `json:"outcome"`
	ResultingPath string      `json:"resulting_path,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	// Note explains a no-op success, such as a skipped conflict or a false
	// decision.
	Note        string    `json:"note,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PipelineRun is one execution of a task pipeline for one file event.
type PipelineRun struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Event       FileEvent    `json:"event"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Status      RunStatus    `json:"status"`
	StepResults []StepResult `json:"step_results"`

	ErrorMessage string `json:"error_message,omitempty"`
	// FailedStep is the index of the step that failed, if any.
	FailedStep *int `json:"failed_step,omitempty"`
	// Skipped is set when a decision step ended the run early.
	Skipped bool `json:"skipped,omitempty"`
	// CurrentPath is where the file is after the last relocating step.
	CurrentPath    string `json:"current_path"`
	DeadLetterPath string `json:"dead_letter_path,omitempty"`
}

// SourcePath is shorthand for r.Event.SourcePath.
func (r *PipelineRun) SourcePath() string {
	return r.Event.SourcePath
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *PipelineRun) Clone() *PipelineRun {
	c := *r
	c.StepResults = append([]StepResult(nil), r.StepResults...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.FailedStep != nil {
		i := *r.FailedStep
		c.FailedStep = &i
	}
	if r.Event.StableAt != nil {
		t := *r.Event.StableAt
		c.Event.StableAt = &t
	}
	return &c
}
