// Package dispatch admits stabilized file events into pipeline runs for one
// task, bounding how many run at once.
//
// A Dispatcher receives events and watcher states from its task's watcher
// over channels. Pending events wait in a queue ordered by detection time;
// a path already queued is not queued twice. Admission takes a slot from
// the task's Limiter, checks the store for an active run on the path, and
// persists the new run as running before executing it on its own
// goroutine. Dispatchers of different tasks share nothing.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
)

// DefaultRequeueDelay is how long an event waits before admission is
// retried after the store failed to record it.
const DefaultRequeueDelay = time.Second

// Runner executes admitted runs.
type Runner interface {
	Execute(ctx context.Context, steps []model.StepDefinition, run *model.PipelineRun) error
	Abandon(ctx context.Context, run *model.PipelineRun, cause error) error
}

// Config holds the collaborators of a Dispatcher.
type Config struct {
	Task   model.TaskDefinition
	Store  store.Store
	Runner Runner
	// Bus receives run.started, run.duplicate, and watcher health events.
	// Optional.
	Bus *event.Bus
}

// Dispatcher admits events for one task.
type Dispatcher struct {
	task    model.TaskDefinition
	store   store.Store
	runner  Runner
	bus     *event.Bus
	limiter *Limiter
	logger  *logging.Logger
	now     func() time.Time
	requeue time.Duration

	mu       sync.Mutex
	queue    *eventQueue
	disabled bool
	started  bool
	wake     chan struct{}

	stopAdmission context.CancelFunc
	runCtx        context.Context
	cancelRuns    context.CancelFunc

	inflight sync.WaitGroup
	loops    sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source for run start times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithRequeueDelay sets the delay before retrying admission of an event the
// store could not record.
func WithRequeueDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.requeue = delay }
}

// New creates a Dispatcher. Nothing is admitted until Start.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("dispatch: Store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("dispatch: Runner is required")
	}
	if cfg.Task.ID == "" {
		return nil, errors.New("dispatch: Task.ID is required")
	}
	d := &Dispatcher{
		task:    cfg.Task,
		store:   cfg.Store,
		runner:  cfg.Runner,
		bus:     cfg.Bus,
		limiter: NewLimiter(cfg.Task.ConcurrencyLimit),
		logger:  logging.NopLogger(),
		now:     time.Now,
		requeue: DefaultRequeueDelay,
		queue:   newEventQueue(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bus == nil {
		d.bus = event.NewBus()
	}
	d.logger = d.logger.WithTask(cfg.Task.ID).WithComponent("dispatch")
	return d, nil
}

// Start begins consuming events and watcher states. Either channel may be
// nil. Runs execute under a context detached from ctx so that cancelling
// ctx stops admission without interrupting runs; use Disable to drain.
func (d *Dispatcher) Start(ctx context.Context, events <-chan model.FileEvent, states <-chan model.WatcherState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatch: already started")
	}
	if d.disabled {
		return errors.New("dispatch: disabled")
	}
	d.started = true

	admitCtx, stop := context.WithCancel(ctx)
	d.stopAdmission = stop
	d.runCtx, d.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))

	if events != nil {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.intake(admitCtx, events)
		}()
	}
	if states != nil {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.trackStates(d.runCtx, states)
		}()
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		d.admitLoop(admitCtx)
	}()
	return nil
}

// Enqueue adds an event to the pending queue. It reports false if the
// dispatcher is disabled or the path is already pending.
func (d *Dispatcher) Enqueue(ev model.FileEvent) bool {
	d.mu.Lock()
	if d.disabled {
		d.mu.Unlock()
		return false
	}
	added := d.queue.add(ev)
	d.mu.Unlock()

	if !added {
		d.logger.Debug("event already pending", "path", ev.SourcePath)
		return false
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// SetLimit changes the concurrency limit without restarting the task.
func (d *Dispatcher) SetLimit(n int) {
	d.limiter.SetLimit(n)
	d.mu.Lock()
	d.task.ConcurrencyLimit = n
	d.mu.Unlock()
	d.logger.Info("concurrency limit changed", "limit", d.limiter.Limit())
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// InFlight returns the number of executing runs.
func (d *Dispatcher) InFlight() int {
	return d.limiter.Acquired()
}

// Disable stops admission immediately, drops pending events, and waits for
// in-flight runs to finish. If ctx ends first the runs are cancelled; they
// stop at their next step boundary or backoff and stay running in the
// store for startup reconciliation. Disable returns ctx's error in that
// case.
func (d *Dispatcher) Disable(ctx context.Context) error {
	d.mu.Lock()
	if d.disabled {
		d.mu.Unlock()
		d.inflight.Wait()
		return nil
	}
	d.disabled = true
	dropped := d.queue.reset()
	stop, cancelRuns := d.stopAdmission, d.cancelRuns
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if dropped > 0 {
		d.logger.Info("dropped pending events", "count", dropped)
	}

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		d.logger.Warn("drain timed out, interrupting runs", "in_flight", d.InFlight())
		if cancelRuns != nil {
			cancelRuns()
		}
		<-drained
		return ctx.Err()
	}
}

// Wait blocks until the intake, admission, and state loops have returned.
// The state loop returns once the watcher closes its state channel.
func (d *Dispatcher) Wait() {
	d.loops.Wait()
	d.mu.Lock()
	cancelRuns := d.cancelRuns
	d.mu.Unlock()
	d.inflight.Wait()
	if cancelRuns != nil {
		cancelRuns()
	}
}

func (d *Dispatcher) intake(ctx context.Context, events <-chan model.FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Enqueue(ev)
		}
	}
}

func (d *Dispatcher) admitLoop(ctx context.Context) {
	for {
		if err := d.limiter.Acquire(ctx); err != nil {
			return
		}
		ev, ok := d.next(ctx)
		if !ok {
			d.limiter.Release()
			return
		}
		if !d.admit(ctx, ev) {
			d.limiter.Release()
		}
	}
}

// next waits for a pending event.
func (d *Dispatcher) next(ctx context.Context) (model.FileEvent, bool) {
	for {
		d.mu.Lock()
		ev, ok := d.queue.next()
		d.mu.Unlock()
		if ok {
			return ev, true
		}
		select {
		case <-ctx.Done():
			return model.FileEvent{}, false
		case <-d.wake:
		}
	}
}

// admit records and launches a run for ev. It reports whether a run was
// started; the caller releases the slot otherwise.
func (d *Dispatcher) admit(ctx context.Context, ev model.FileEvent) bool {
	logger := d.logger.With("path", ev.SourcePath)

	// Count the run before Disable can start waiting for in-flight runs.
	d.mu.Lock()
	if d.disabled {
		d.mu.Unlock()
		return false
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	started := false
	defer func() {
		if !started {
			d.inflight.Done()
		}
	}()

	active, err := d.store.ExistsActiveRun(ctx, d.task.ID, ev.SourcePath)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("active run check failed, requeueing", "error", err.Error())
			d.requeueLater(ev)
		}
		return false
	}
	if active {
		d.duplicate(logger, ev)
		return false
	}

	run := &model.PipelineRun{
		ID:          uuid.NewString(),
		TaskID:      d.task.ID,
		Event:       ev,
		StartedAt:   d.now(),
		Status:      model.RunRunning,
		CurrentPath: ev.SourcePath,
	}
	if err := d.store.UpsertRun(ctx, run); err != nil {
		var dup *errors.DuplicateEventError
		switch {
		case errors.As(err, &dup):
			d.duplicate(logger, ev)
		case ctx.Err() == nil:
			logger.Warn("recording run failed, requeueing", "error", err.Error())
			d.requeueLater(ev)
		}
		return false
	}

	logger.Info("run started", "run_id", run.ID, "size", ev.Size)
	d.bus.Publish(event.NewRunStartedEvent(d.task.ID, run.ID, ev.SourcePath))

	started = true
	go d.execute(run)
	return true
}

func (d *Dispatcher) duplicate(logger *logging.Logger, ev model.FileEvent) {
	err := errors.NewDuplicateEventError(d.task.ID, ev.SourcePath)
	logger.Debug("dropping event", "error", err.Error())
	d.bus.Publish(event.NewRunDuplicateEvent(d.task.ID, ev.SourcePath))
}

func (d *Dispatcher) requeueLater(ev model.FileEvent) {
	time.AfterFunc(d.requeue, func() { d.Enqueue(ev) })
}

func (d *Dispatcher) execute(run *model.PipelineRun) {
	defer d.inflight.Done()
	defer d.limiter.Release()

	logger := d.logger.WithRun(run.ID)
	steps := d.task.Pipeline

	var pc panics.Catcher
	pc.Try(func() {
		err := d.runner.Execute(d.runCtx, steps, run)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrInterrupted):
			logger.Warn("run interrupted; it will be reconciled at next start")
		default:
			logger.Error("run left unfinished", "error", err.Error())
		}
	})
	if rec := pc.Recovered(); rec != nil {
		logger.Error("run panicked", "panic", fmt.Sprint(rec.Value), "stack", string(rec.Stack))
		if err := d.runner.Abandon(context.WithoutCancel(d.runCtx), run, rec.AsError()); err != nil {
			logger.Error("abandoning panicked run failed", "error", err.Error())
		}
	}
}

// trackStates persists watcher states and announces health changes.
func (d *Dispatcher) trackStates(ctx context.Context, states <-chan model.WatcherState) {
	var last model.WatcherStatus
	for st := range states {
		if err := d.store.UpsertWatcherState(ctx, st); err != nil {
			d.logger.Warn("persisting watcher state failed", "status", string(st.Status), "error", err.Error())
		}
		switch {
		case st.Status == model.WatcherDegraded && last != model.WatcherDegraded:
			d.bus.Publish(event.NewWatcherStateEvent(st))
		case st.Status == model.WatcherHealthy && last == model.WatcherDegraded:
			d.bus.Publish(event.NewWatcherStateEvent(st))
		}
		last = st.Status
	}
}
