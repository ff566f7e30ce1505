package store

import (
	"context"
	"time"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/retry"
)

// Retrying decorates a Store so that failed calls are retried with backoff
// before surfacing as a StateStoreError. Errors that describe the request
// itself (not found, invalid transition, duplicate) are returned at once.
type Retrying struct {
	inner  Store
	policy retry.Policy
	logger *logging.Logger
}

// NewRetrying wraps inner. A policy with zero retries still makes one
// attempt; callers that need the "at least one persistence retry" guarantee
// should pass MaxRetries >= 1.
func NewRetrying(inner Store, policy retry.Policy, logger *logging.Logger) *Retrying {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Retrying{inner: inner, policy: policy, logger: logger.WithComponent("store")}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store {
	return r.inner
}

func retryableStoreErr(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, errors.ErrInvalidTransition), errors.Is(err, errors.ErrRunNotFound):
		return false
	}
	var dup *errors.DuplicateEventError
	if errors.As(err, &dup) {
		return false
	}
	var sse *errors.StateStoreError
	if errors.As(err, &sse) {
		return sse.IsRetryable()
	}
	return true
}

func (r *Retrying) do(ctx context.Context, op, runID string, fn func() error) error {
	_, err := retry.Do(ctx, r.policy, func(int) error { return fn() },
		retry.WithClassifier(retryableStoreErr),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			r.logger.Warn("state store call failed, retrying",
				"op", op, "run_id", runID, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		}),
	)
	if err == nil || !retryableStoreErr(err) {
		return err
	}
	var sse *errors.StateStoreError
	if errors.As(err, &sse) {
		return sse.WithRetryable(false)
	}
	return errors.NewStateStoreError(op, err).WithRunID(runID).WithRetryable(false)
}

// SaveTask implements Store.
func (r *Retrying) SaveTask(ctx context.Context, task model.TaskDefinition) error {
	return r.do(ctx, "save_task", "", func() error { return r.inner.SaveTask(ctx, task) })
}

// UpsertRun implements Store.
func (r *Retrying) UpsertRun(ctx context.Context, run *model.PipelineRun) error {
	return r.do(ctx, "upsert_run", run.ID, func() error { return r.inner.UpsertRun(ctx, run) })
}

// GetRun implements Store.
func (r *Retrying) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	var out *model.PipelineRun
	err := r.do(ctx, "get_run", id, func() error {
		var err error
		out, err = r.inner.GetRun(ctx, id)
		return err
	})
	return out, err
}

// ListRuns implements Store.
func (r *Retrying) ListRuns(ctx context.Context, filter RunFilter) ([]*model.PipelineRun, error) {
	var out []*model.PipelineRun
	err := r.do(ctx, "list_runs", "", func() error {
		var err error
		out, err = r.inner.ListRuns(ctx, filter)
		return err
	})
	return out, err
}

// ExistsActiveRun implements Store.
func (r *Retrying) ExistsActiveRun(ctx context.Context, taskID, sourcePath string) (bool, error) {
	var out bool
	err := r.do(ctx, "exists_active_run", "", func() error {
		var err error
		out, err = r.inner.ExistsActiveRun(ctx, taskID, sourcePath)
		return err
	})
	return out, err
}

// UpsertWatcherState implements Store.
func (r *Retrying) UpsertWatcherState(ctx context.Context, state model.WatcherState) error {
	return r.do(ctx, "upsert_watcher_state", "", func() error { return r.inner.UpsertWatcherState(ctx, state) })
}

// GetWatcherState implements Store.
func (r *Retrying) GetWatcherState(ctx context.Context, taskID string) (model.WatcherState, bool, error) {
	var (
		out model.WatcherState
		ok  bool
	)
	err := r.do(ctx, "get_watcher_state", "", func() error {
		var err error
		out, ok, err = r.inner.GetWatcherState(ctx, taskID)
		return err
	})
	return out, ok, err
}

// ReconcileInterrupted implements Store.
func (r *Retrying) ReconcileInterrupted(ctx context.Context, now time.Time) ([]*model.PipelineRun, error) {
	var out []*model.PipelineRun
	err := r.do(ctx, "reconcile_interrupted", "", func() error {
		var err error
		out, err = r.inner.ReconcileInterrupted(ctx, now)
		return err
	})
	return out, err
}

// Close implements Store.
func (r *Retrying) Close() error {
	return r.inner.Close()
}
