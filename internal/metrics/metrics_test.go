package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/model"
)

func TestRecorderCountsBusEvents(t *testing.T) {
	bus := event.NewBus()
	r := NewRecorder()
	r.Attach(bus)

	bus.Publish(event.NewRunStartedEvent("t1", "r1", "/a"))
	bus.Publish(event.NewRunStartedEvent("t1", "r2", "/b"))
	bus.Publish(event.NewRunStartedEvent("t2", "r3", "/c"))

	if got := r.Gauge(RunsInFlight, "t1"); got != 2 {
		t.Errorf("in flight t1 = %v, want 2", got)
	}

	bus.Publish(event.NewRunSucceededEvent("t1", "r1", true, time.Second))
	bus.Publish(event.NewStepRetriedEvent("t1", "r2", 0, 1, time.Millisecond, "io"))
	bus.Publish(event.NewRunFailedEvent("t1", "r2", 0, model.StepCopy, "io"))
	bus.Publish(event.NewRunDeadLetteredEvent("t1", "r2", "/dl/b", false))
	bus.Publish(event.NewRunDuplicateEvent("t2", "/c"))

	tests := []struct {
		name string
		task string
		want int64
	}{
		{RunsStarted, "t1", 2},
		{RunsStarted, "t2", 1},
		{RunsSucceeded, "t1", 1},
		{RunsSkipped, "t1", 1},
		{RunsFailed, "t1", 1},
		{RunsDeadLettered, "t1", 1},
		{StepRetries, "t1", 1},
		{RunsDuplicate, "t2", 1},
	}
	for _, tt := range tests {
		if got := r.Counter(tt.name, tt.task); got != tt.want {
			t.Errorf("Counter(%s, %s) = %d, want %d", tt.name, tt.task, got, tt.want)
		}
	}
	if got := r.Gauge(RunsInFlight, "t1"); got != 0 {
		t.Errorf("in flight t1 after completion = %v, want 0", got)
	}
}

func TestRecorderDeadLetterWithoutStart(t *testing.T) {
	bus := event.NewBus()
	r := NewRecorder()
	r.Attach(bus)

	bus.Publish(event.NewRunDeadLetteredEvent("t1", "old", "/dl/x", true))
	if got := r.Gauge(RunsInFlight, "t1"); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestRecorderWatcherGauge(t *testing.T) {
	bus := event.NewBus()
	r := NewRecorder()
	r.Attach(bus)

	bus.Publish(event.NewWatcherStateEvent(model.WatcherState{TaskID: "t1", Status: model.WatcherDegraded}))
	if r.Gauge(WatcherDegraded, "t1") != 1 {
		t.Error("degraded gauge not set")
	}
	bus.Publish(event.NewWatcherStateEvent(model.WatcherState{TaskID: "t1", Status: model.WatcherHealthy}))
	if r.Gauge(WatcherDegraded, "t1") != 0 {
		t.Error("degraded gauge not cleared")
	}
}

func TestRecorderDetach(t *testing.T) {
	bus := event.NewBus()
	r := NewRecorder()
	r.Attach(bus)
	r.Detach()

	bus.Publish(event.NewRunStartedEvent("t1", "r1", "/a"))
	if r.Counter(RunsStarted, "t1") != 0 {
		t.Error("detached recorder still counting")
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("subscriptions = %d", bus.SubscriptionCount())
	}
}

func TestHandlerServesSnapshot(t *testing.T) {
	r := NewRecorder()
	r.IncCounter(RunsStarted, "t1", 3)
	r.SetGauge(RunsInFlight, "t1", 1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Tasks["t1"].Counters[RunsStarted] != 3 || snap.Tasks["t1"].Gauges[RunsInFlight] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if ids := snap.TaskIDs(); len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("TaskIDs() = %v", ids)
	}
}
