// Package metrics counts run outcomes per task from bus events and exposes
// a point-in-time snapshot.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/sluice/internal/event"
)

// Metric names.
const (
	RunsStarted      = "runs_started"
	RunsSucceeded    = "runs_succeeded"
	RunsSkipped      = "runs_skipped"
	RunsFailed       = "runs_failed"
	RunsDeadLettered = "runs_deadlettered"
	RunsDuplicate    = "runs_duplicate"
	StepRetries      = "step_retries"
	RunsInFlight     = "runs_in_flight"
	WatcherDegraded  = "watcher_degraded"
)

// Sink receives metric updates. Implementations must be safe for
// concurrent use.
type Sink interface {
	IncCounter(name, taskID string, delta int64)
	SetGauge(name, taskID string, value float64)
}

type key struct {
	name, task string
}

// Recorder is an in-memory Sink. Attach subscribes it to a bus so that run
// and task events update its counters.
type Recorder struct {
	mu       sync.Mutex
	counters map[key]int64
	gauges   map[key]float64
	started  time.Time

	bus   *event.Bus
	subID string
}

var _ Sink = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[key]int64),
		gauges:   make(map[key]float64),
		started:  time.Now(),
	}
}

// IncCounter implements Sink.
func (r *Recorder) IncCounter(name, taskID string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key{name, taskID}] += delta
}

// SetGauge implements Sink.
func (r *Recorder) SetGauge(name, taskID string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key{name, taskID}] = value
}

// Counter returns the current value of a counter.
func (r *Recorder) Counter(name, taskID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key{name, taskID}]
}

// Gauge returns the current value of a gauge.
func (r *Recorder) Gauge(name, taskID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[key{name, taskID}]
}

func (r *Recorder) addGauge(name, taskID string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key{name, taskID}] += delta
}

// Attach subscribes the recorder to every event on bus. Calling Attach
// again moves the subscription.
func (r *Recorder) Attach(bus *event.Bus) {
	r.Detach()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
	r.subID = bus.SubscribeAll(r.handle)
}

// Detach removes the bus subscription.
func (r *Recorder) Detach() {
	r.mu.Lock()
	bus, id := r.bus, r.subID
	r.bus, r.subID = nil, ""
	r.mu.Unlock()
	if bus != nil {
		bus.Unsubscribe(id)
	}
}

func (r *Recorder) handle(e event.Event) {
	switch ev := e.(type) {
	case event.RunStartedEvent:
		r.IncCounter(RunsStarted, ev.Task(), 1)
		r.addGauge(RunsInFlight, ev.Task(), 1)
	case event.RunSucceededEvent:
		r.IncCounter(RunsSucceeded, ev.Task(), 1)
		if ev.Skipped {
			r.IncCounter(RunsSkipped, ev.Task(), 1)
		}
		r.addGauge(RunsInFlight, ev.Task(), -1)
	case event.RunFailedEvent:
		r.IncCounter(RunsFailed, ev.Task(), 1)
	case event.RunDeadLetteredEvent:
		r.IncCounter(RunsDeadLettered, ev.Task(), 1)
		// Reconciled runs were never counted as started in this process.
		if r.Gauge(RunsInFlight, ev.Task()) > 0 {
			r.addGauge(RunsInFlight, ev.Task(), -1)
		}
	case event.RunDuplicateEvent:
		r.IncCounter(RunsDuplicate, ev.Task(), 1)
	case event.StepRetriedEvent:
		r.IncCounter(StepRetries, ev.Task(), 1)
	case event.WatcherStateEvent:
		v := 0.0
		if ev.EventType() == event.TypeTaskDegraded {
			v = 1
		}
		r.SetGauge(WatcherDegraded, ev.Task(), v)
	}
}

// TaskSnapshot holds the metrics of one task.
type TaskSnapshot struct {
	Counters map[string]int64   `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// Snapshot is a copy of all recorded values.
type Snapshot struct {
	Since time.Time               `json:"since"`
	Tasks map[string]TaskSnapshot `json:"tasks"`
}

// TaskIDs returns the task IDs in the snapshot in sorted order.
func (s Snapshot) TaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the current values grouped by task.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Since: r.started, Tasks: make(map[string]TaskSnapshot)}
	task := func(id string) TaskSnapshot {
		ts, ok := snap.Tasks[id]
		if !ok {
			ts = TaskSnapshot{Counters: map[string]int64{}, Gauges: map[string]float64{}}
			snap.Tasks[id] = ts
		}
		return ts
	}
	for k, v := range r.counters {
		task(k.task).Counters[k.name] = v
	}
	for k, v := range r.gauges {
		task(k.task).Gauges[k.name] = v
	}
	return snap
}

// Handler serves the snapshot as JSON.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	})
}
