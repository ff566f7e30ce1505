// Package engine runs the enabled tasks of one configuration generation:
// a watcher and a dispatcher per task, sharing a pipeline runner, state
// store, and event bus.
//
// Start reconciles runs left behind by a previous process before any
// watcher starts. Apply moves the engine to a new set of task definitions,
// restarting only the tasks whose behavior changed. Shutdown drains every
// task in parallel, bounded by the shutdown timeout.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/dispatch"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
	"github.com/Iron-Ham/sluice/internal/watch"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultConcurrency     = 4
)

// DeadLetterer finalizes failed runs found at startup.
type DeadLetterer interface {
	Handle(ctx context.Context, run *model.PipelineRun, currentPath string, stepIndex int, cause error) (deadletter.Result, error)
}

// Config holds the collaborators and runtime settings of an Engine.
type Config struct {
	Store      store.Store
	Runner     dispatch.Runner
	DeadLetter DeadLetterer
	// Bus is shared with the runner. Optional.
	Bus *event.Bus

	PollInterval       time.Duration
	ShutdownTimeout    time.Duration
	DefaultConcurrency int
}

// ReconcileReport summarizes startup reconciliation.
type ReconcileReport struct {
	// Interrupted is the number of runs found pending or running.
	Interrupted int
	// DeadLettered is the number of failed runs finalized.
	DeadLettered int
	// Unresolved is the number of failed runs that could not be
	// dead-lettered; they are retried at the next start.
	Unresolved int
}

// TaskStatus is a point-in-time view of one running task.
type TaskStatus struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
	Limit     int    `json:"limit"`
	InFlight  int    `json:"in_flight"`
	Pending   int    `json:"pending"`
}

type taskHandle struct {
	def        model.TaskDefinition
	dispatcher *dispatch.Dispatcher
	cancel     context.CancelFunc
	watcherOut chan struct{}
}

// Engine supervises tasks.
type Engine struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	baseCtx context.Context
	tasks   map[string]*taskHandle
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for reconciliation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: Store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("engine: Runner is required")
	}
	if cfg.DeadLetter == nil {
		return nil, errors.New("engine: DeadLetter is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = watch.DefaultPollInterval
	}
	e := &Engine{
		cfg:    cfg,
		logger: logging.NopLogger(),
		now:    time.Now,
		tasks:  make(map[string]*taskHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("engine")
	return e, nil
}

// Start reconciles interrupted runs and then starts every enabled task.
// Tasks keep running until Shutdown; ctx bounds only the startup work and
// supplies values to task goroutines.
func (e *Engine) Start(ctx context.Context, tasks []model.TaskDefinition) error {
	e.mu.Lock()
	if e.baseCtx != nil {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.baseCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	report, err := e.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted runs: %w", err)
	}
	if report.Interrupted > 0 || report.DeadLettered > 0 || report.Unresolved > 0 {
		e.logger.Info("reconciled previous runs",
			"interrupted", report.Interrupted,
			"dead_lettered", report.DeadLettered,
			"unresolved", report.Unresolved)
	}
	return e.Apply(ctx, tasks)
}

// Reconcile marks runs left pending or running by a previous process as
// failed and dead-letters every failed run not yet finalized.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	interrupted, err := e.cfg.Store.ReconcileInterrupted(ctx, e.now())
	if err != nil {
		return report, err
	}
	report.Interrupted = len(interrupted)
	for _, run := range interrupted {
		e.logger.WithTask(run.TaskID).WithRun(run.ID).Warn("run was interrupted",
			"path", run.SourcePath(), "current_path", run.CurrentPath)
	}

	failed, err := e.cfg.Store.ListRuns(ctx, store.RunFilter{Status: model.RunFailed})
	if err != nil {
		return report, err
	}
	for _, run := range failed {
		index := len(run.StepResults)
		if run.FailedStep != nil {
			index = *run.FailedStep
		}
		cause := errors.New(run.ErrorMessage)
		res, err := e.cfg.DeadLetter.Handle(ctx, run, run.CurrentPath, index, cause)
		if err != nil {
			report.Unresolved++
			e.logger.WithTask(run.TaskID).WithRun(run.ID).Error("dead-lettering reconciled run failed", "error", err.Error())
			continue
		}
		report.DeadLettered++
		e.cfg.Bus.Publish(event.NewRunDeadLetteredEvent(run.TaskID, run.ID, res.Path, res.ContentMissing))
	}
	return report, nil
}

// Apply makes tasks the running set. Tasks that disappeared, were
// disabled, or changed are drained and stopped; new and changed tasks are
// started. A task whose only change is its concurrency limit is resized in
// place. Invalid tasks are logged and skipped without affecting others.
func (e *Engine) Apply(ctx context.Context, tasks []model.TaskDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine: shut down")
	}
	if e.baseCtx == nil {
		e.baseCtx = context.WithoutCancel(ctx)
	}

	desired := make(map[string]model.TaskDefinition, len(tasks))
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		if t.ConcurrencyLimit < 1 {
			t.ConcurrencyLimit = e.cfg.DefaultConcurrency
		}
		desired[t.ID] = t
	}

	var stopping []*taskHandle
	for id, h := range e.tasks {
		next, ok := desired[id]
		switch {
		case !ok:
			stopping = append(stopping, h)
			delete(e.tasks, id)
		case next.Equal(h.def):
			delete(desired, id)
		case sameExceptLimit(next, h.def):
			h.dispatcher.SetLimit(next.ConcurrencyLimit)
			h.def = next
			delete(desired, id)
		default:
			stopping = append(stopping, h)
			delete(e.tasks, id)
		}
	}

	if err := e.stopAll(ctx, stopping, "reload"); err != nil {
		e.logger.Warn("draining replaced tasks timed out", "error", err.Error())
	}

	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		h, err := e.startTask(ctx, desired[id])
		if err != nil {
			e.logger.WithTask(id).Error("task excluded", "error", err.Error())
			errs = append(errs, err)
			continue
		}
		e.tasks[id] = h
	}
	return errors.Join(errs...)
}

func sameExceptLimit(a, b model.TaskDefinition) bool {
	a.ConcurrencyLimit = b.ConcurrencyLimit
	return a.Equal(b)
}

func (e *Engine) startTask(ctx context.Context, def model.TaskDefinition) (*taskHandle, error) {
	logger := e.logger.WithTask(def.ID)

	var opts []watch.Option
	opts = append(opts, watch.WithPollInterval(e.cfg.PollInterval), watch.WithLogger(e.logger))
	if st, ok, err := e.cfg.Store.GetWatcherState(ctx, def.ID); err != nil {
		logger.Warn("loading watcher state failed; starting without high-water mark", "error", err.Error())
	} else if ok && st.Directory == def.Watch.Directory {
		opts = append(opts, watch.WithHighWater(st.HighWater))
	}

	w, err := watch.New(def.ID, def.Watch, opts...)
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(dispatch.Config{
		Task:   def,
		Store:  e.cfg.Store,
		Runner: e.cfg.Runner,
		Bus:    e.cfg.Bus,
	}, dispatch.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	if err := e.cfg.Store.SaveTask(ctx, def); err != nil {
		logger.Warn("recording task definition failed", "error", err.Error())
	}

	tctx, cancel := context.WithCancel(e.baseCtx)
	h := &taskHandle{def: def, dispatcher: d, cancel: cancel, watcherOut: make(chan struct{})}
	if err := d.Start(tctx, w.Events(), w.States()); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer close(h.watcherOut)
		if err := w.Run(tctx); err != nil {
			logger.Error("watcher stopped", "error", err.Error())
		}
	}()

	logger.Info("task started",
		"directory", def.Watch.Directory,
		"glob", def.Watch.Glob,
		"steps", len(def.Pipeline),
		"limit", def.ConcurrencyLimit)
	e.cfg.Bus.Publish(event.NewTaskStartedEvent(def.ID, def.Watch.Directory))
	return h, nil
}

// stopTask stops admission, drains in-flight runs, then stops the watcher.
func (e *Engine) stopTask(ctx context.Context, h *taskHandle, reason string) error {
	err := h.dispatcher.Disable(ctx)
	h.cancel()
	<-h.watcherOut
	h.dispatcher.Wait()

	e.logger.WithTask(h.def.ID).Info("task stopped", "reason", reason)
	e.cfg.Bus.Publish(event.NewTaskStoppedEvent(h.def.ID, reason))
	return err
}

// stopAll stops tasks in parallel within the shutdown timeout.
func (e *Engine) stopAll(ctx context.Context, handles []*taskHandle, reason string) error {
	if len(handles) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error { return e.stopTask(ctx, h, reason) })
	}
	return g.Wait()
}

// Shutdown stops every task, waiting up to the shutdown timeout for
// in-flight runs. Runs still executing after that are interrupted and left
// running in the store. Cancelling ctx interrupts them sooner.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handles := make([]*taskHandle, 0, len(e.tasks))
	for _, h := range e.tasks {
		handles = append(handles, h)
	}
	clear(e.tasks)
	e.mu.Unlock()

	e.logger.Info("shutting down", "tasks", len(handles))
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error { return e.stopTask(ctx, h, "shutdown") })
	}
	return g.Wait()
}

// Tasks returns the status of running tasks, sorted by ID.
func (e *Engine) Tasks() []TaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TaskStatus, 0, len(e.tasks))
	for id, h := range e.tasks {
		out = append(out, TaskStatus{
			ID:        id,
			Directory: h.def.Watch.Directory,
			Limit:     h.def.ConcurrencyLimit,
			InFlight:  h.dispatcher.InFlight(),
			Pending:   h.dispatcher.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
