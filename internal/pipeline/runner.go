package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/filelock"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/retry"
	"github.com/Iron-Ham/sluice/internal/store"
)

// DeadLetterer finalizes failed runs.
type DeadLetterer interface {
	Handle(ctx context.Context, run *model.PipelineRun, currentPath string, stepIndex int, cause error) (deadletter.Result, error)
}

// Config holds the collaborators of a Runner.
type Config struct {
	Store      store.Store
	DeadLetter DeadLetterer
	// Bus receives run and retry events. Optional.
	Bus *event.Bus
	// Devices resolves print targets. Optional; without it every print step
	// fails with an unknown device.
	Devices *device.Registry
	// Claims serializes writes to the same destination across runs.
	// Optional; a private registry is used when nil.
	Claims *filelock.Registry
}

// Runner executes pipelines. One Runner is shared by every run of every
// task; it holds no per-run state.
type Runner struct {
	store      store.Store
	deadLetter DeadLetterer
	bus        *event.Bus
	devices    *device.Registry
	claims     *filelock.Registry

	logger     *logging.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	maxBackoff time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: Store is required")
	}
	if cfg.DeadLetter == nil {
		return nil, errors.New("pipeline: DeadLetter is required")
	}
	r := &Runner{
		store:      cfg.Store,
		deadLetter: cfg.DeadLetter,
		bus:        cfg.Bus,
		devices:    cfg.Devices,
		claims:     cfg.Claims,
		logger:     logging.NopLogger(),
		now:        time.Now,
		sleep:      retry.Sleep,
		maxBackoff: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = event.NewBus()
	}
	if r.devices == nil {
		r.devices = device.NewRegistry()
	}
	if r.claims == nil {
		r.claims = filelock.NewRegistry()
	}
	r.logger = r.logger.WithComponent("pipeline")
	return r, nil
}

// Execute runs steps against run, which must already be persisted as
// running. It returns nil once the run is terminal: succeeded, or failed and
// dead-lettered. A non-nil error means the run was left non-terminal in the
// store, because ctx was cancelled (errors.ErrInterrupted), the store
// rejected a write, or dead-lettering failed.
func (r *Runner) Execute(ctx context.Context, steps []model.StepDefinition, run *model.PipelineRun) error {
	logger := r.logger.WithTask(run.TaskID).WithRun(run.ID)
	if run.CurrentPath == "" && len(run.StepResults) == 0 {
		run.CurrentPath = run.SourcePath()
	}

	for i := len(run.StepResults); i < len(steps); i++ {
		step := steps[i]
		if ctx.Err() != nil {
			return r.interrupted(logger, run, i)
		}

		result, out, err := r.runStep(ctx, run, i, step)
		run.StepResults = append(run.StepResults, result)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(logger, run, i)
			}
			return r.fail(ctx, run, i, step.Type, err)
		}

		if out.relocated {
			run.CurrentPath = out.path
		}
		if out.removed {
			run.CurrentPath = ""
		}
		if out.stop {
			run.Skipped = true
			break
		}
		if i < len(steps)-1 {
			if err := r.store.UpsertRun(ctx, run); err != nil {
				logger.Error("persisting step result failed", "step", i, "error", err.Error())
				return err
			}
		}
	}

	return r.succeed(ctx, run)
}

// Abandon fails and dead-letters a run that could not complete normally,
// such as one whose execution panicked.
func (r *Runner) Abandon(ctx context.Context, run *model.PipelineRun, cause error) error {
	index := len(run.StepResults)
	if index > 0 && run.StepResults[index-1].Outcome == model.OutcomeFailed {
		index--
	}
	var stepType model.StepType
	if index < len(run.StepResults) {
		stepType = run.StepResults[index].Type
	}
	return r.fail(ctx, run, index, stepType, cause)
}

func (r *Runner) succeed(ctx context.Context, run *model.PipelineRun) error {
	completed := r.now()
	run.Status = model.RunSucceeded
	run.CompletedAt = &completed
	if err := r.store.UpsertRun(ctx, run); err != nil {
		r.logger.WithTask(run.TaskID).WithRun(run.ID).Error("persisting run completion failed", "error", err.Error())
		return err
	}

	d := completed.Sub(run.StartedAt)
	r.logger.WithTask(run.TaskID).WithRun(run.ID).Info("run succeeded",
		"path", run.SourcePath(),
		"skipped", run.Skipped,
		"steps", len(run.StepResults),
		"duration", d.String())
	r.bus.Publish(event.NewRunSucceededEvent(run.TaskID, run.ID, run.Skipped, d))
	return nil
}

// fail records the failure, persists it, and hands the run to the
// dead-letter handler.
func (r *Runner) fail(ctx context.Context, run *model.PipelineRun, index int, stepType model.StepType, cause error) error {
	logger := r.logger.WithTask(run.TaskID).WithRun(run.ID)
	completed := r.now()
	run.Status = model.RunFailed
	run.FailedStep = &index
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &completed

	if err := r.store.UpsertRun(ctx, run); err != nil {
		logger.Error("persisting run failure failed", "error", err.Error())
		return errors.Join(cause, err)
	}
	logger.Error("run failed",
		"path", run.SourcePath(),
		"step", index,
		"type", string(stepType),
		"error", run.ErrorMessage)
	r.bus.Publish(event.NewRunFailedEvent(run.TaskID, run.ID, index, stepType, run.ErrorMessage))

	res, err := r.deadLetter.Handle(ctx, run, run.CurrentPath, index, cause)
	if err != nil {
		logger.Error("dead-lettering failed; run stays failed until next start", "error", err.Error())
		return fmt.Errorf("dead-letter run %s: %w", run.ID, err)
	}
	r.bus.Publish(event.NewRunDeadLetteredEvent(run.TaskID, run.ID, res.Path, res.ContentMissing))
	return nil
}

func (r *Runner) interrupted(logger *logging.Logger, run *model.PipelineRun, index int) error {
	logger.Warn("run interrupted", "step", index, "path", run.CurrentPath)
	return errors.ErrInterrupted
}

// runStep executes one step under its retry policy.
func (r *Runner) runStep(ctx context.Context, run *model.PipelineRun, index int, step model.StepDefinition) (model.StepResult, outcome, error) {
	logger := r.logger.WithTask(run.TaskID).WithRun(run.ID).WithStep(index, string(step.Type))
	result := model.StepResult{
		StepIndex: index,
		Type:      step.Type,
		StartedAt: r.now(),
	}

	policy := retry.Policy{
		MaxRetries: step.Retry.Max,
		Backoff:    step.Retry.Backoff,
		MaxBackoff: r.maxBackoff,
	}
	var out outcome
	attempts, err := retry.Do(ctx, policy, func(int) error {
		var err error
		out, err = r.exec(ctx, run, step)
		return err
	},
		retry.WithSleep(r.sleep),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Warn("step attempt failed, retrying",
				"attempt", attempt,
				"delay", delay.String(),
				"error", err.Error())
			r.bus.Publish(event.NewStepRetriedEvent(run.TaskID, run.ID, index, attempt, delay, err.Error()))
		}),
	)

	result.Attempts = attempts
	result.CompletedAt = r.now()
	if err != nil {
		result.Outcome = model.OutcomeFailed
		result.ErrorMessage = err.Error()
		return result, outcome{}, err
	}

	result.Outcome = model.OutcomeSucceeded
	if out.skipped {
		result.Outcome = model.OutcomeSkipped
	}
	result.ResultingPath = out.path
	result.Note = out.note
	logger.Debug("step completed",
		"outcome", string(result.Outcome),
		"attempts", attempts,
		"path", out.path)
	return result, out, nil
}
