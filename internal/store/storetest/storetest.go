// Package storetest is a contract test suite that every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	serrors "github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// NewRun builds a running run for tests.
func NewRun(id, taskID, path string, started time.Time) *model.PipelineRun {
	return &model.PipelineRun{
		ID:     id,
		TaskID: taskID,
		Event: model.FileEvent{
			TaskID:     taskID,
			SourcePath: path,
			DetectedAt: started.Add(-time.Second),
		},
		StartedAt:   started,
		Status:      model.RunRunning,
		CurrentPath: path,
	}
}

// Run executes the full contract suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"UpsertAndGet", testUpsertAndGet},
		{"GetMissing", testGetMissing},
		{"ForwardTransitions", testForwardTransitions},
		{"BackwardTransitionsRejected", testBackwardTransitions},
		{"OneActiveRunPerPath", testOneActiveRunPerPath},
		{"ExistsActiveRun", testExistsActiveRun},
		{"ListRunsFilter", testListRunsFilter},
		{"WatcherState", testWatcherState},
		{"ReconcileInterrupted", testReconcileInterrupted},
		{"SaveTask", testSaveTask},
		{"ConcurrentUpserts", testConcurrentUpserts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testUpsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := time.Unix(1700000000, 123)
	run := NewRun("r1", "t1", "/in/a.txt", started)
	run.StepResults = []model.StepResult{{StepIndex: 0, Type: model.StepCopy, Attempts: 2, Outcome: model.OutcomeSucceeded, ResultingPath: "/out/a.txt"}}
	run.CurrentPath = "/out/a.txt"

	if err := s.UpsertRun(ctx, run); err != nil {
		t.Fatalf("UpsertRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.TaskID != "t1" || got.Event.SourcePath != "/in/a.txt" || got.Status != model.RunRunning {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if len(got.StepResults) != 1 || got.StepResults[0].Attempts != 2 || got.StepResults[0].ResultingPath != "/out/a.txt" {
		t.Errorf("StepResults = %+v", got.StepResults)
	}
	if got.CurrentPath != "/out/a.txt" {
		t.Errorf("CurrentPath = %q", got.CurrentPath)
	}

	got.Status = model.RunFailed
	again, _ := s.GetRun(ctx, "r1")
	if again.Status != model.RunRunning {
		t.Error("mutating a returned run changed stored state")
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, serrors.ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}
}

func testForwardTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	run := NewRun("r1", "t1", "/in/a", time.Now())
	run.Status = model.RunPending
	steps := []model.RunStatus{model.RunPending, model.RunRunning, model.RunRunning, model.RunFailed, model.RunDeadLettered}
	for _, st := range steps {
		run.Status = st
		if err := s.UpsertRun(ctx, run); err != nil {
			t.Fatalf("UpsertRun(%s) error = %v", st, err)
		}
	}

	idx := 0
	run2 := NewRun("r2", "t1", "/in/b", time.Now())
	if err := s.UpsertRun(ctx, run2); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	run2.Status = model.RunSucceeded
	run2.CompletedAt = &now
	run2.FailedStep = &idx
	run2.Skipped = true
	if err := s.UpsertRun(ctx, run2); err != nil {
		t.Fatalf("running -> succeeded error = %v", err)
	}
	got, _ := s.GetRun(ctx, "r2")
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) || !got.Skipped || got.FailedStep == nil || *got.FailedStep != 0 {
		t.Errorf("terminal fields not persisted: %+v", got)
	}
}

func testBackwardTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	run := NewRun("r1", "t1", "/in/a", time.Now())
	if err := s.UpsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = model.RunSucceeded
	if err := s.UpsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	for _, back := range []model.RunStatus{model.RunRunning, model.RunPending, model.RunFailed, model.RunSucceeded} {
		run.Status = back
		err := s.UpsertRun(ctx, run)
		if !errors.Is(err, serrors.ErrInvalidTransition) {
			t.Errorf("succeeded -> %s error = %v, want ErrInvalidTransition", back, err)
		}
	}
	got, _ := s.GetRun(ctx, "r1")
	if got.Status != model.RunSucceeded {
		t.Errorf("status after rejected writes = %s", got.Status)
	}
}

func testOneActiveRunPerPath(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.UpsertRun(ctx, NewRun("r1", "t1", "/in/a", time.Now())); err != nil {
		t.Fatal(err)
	}

	err := s.UpsertRun(ctx, NewRun("r2", "t1", "/in/a", time.Now()))
	var dup *serrors.DuplicateEventError
	if !errors.As(err, &dup) {
		t.Fatalf("second active run error = %v, want DuplicateEventError", err)
	}

	// Other tasks and other paths are unaffected.
	if err := s.UpsertRun(ctx, NewRun("r3", "t2", "/in/a", time.Now())); err != nil {
		t.Errorf("other task: %v", err)
	}
	if err := s.UpsertRun(ctx, NewRun("r4", "t1", "/in/b", time.Now())); err != nil {
		t.Errorf("other path: %v", err)
	}

	// Once r1 is terminal a new run for the same path is allowed.
	r1, _ := s.GetRun(ctx, "r1")
	r1.Status = model.RunSucceeded
	if err := s.UpsertRun(ctx, r1); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRun(ctx, NewRun("r5", "t1", "/in/a", time.Now())); err != nil {
		t.Errorf("new run after terminal: %v", err)
	}
}

func testExistsActiveRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	exists := func() bool {
		t.Helper()
		ok, err := s.ExistsActiveRun(ctx, "t1", "/in/a")
		if err != nil {
			t.Fatalf("ExistsActiveRun() error = %v", err)
		}
		return ok
	}

	if exists() {
		t.Fatal("empty store reports active run")
	}
	run := NewRun("r1", "t1", "/in/a", time.Now())
	run.Status = model.RunPending
	s.UpsertRun(ctx, run)
	if !exists() {
		t.Error("pending run not reported active")
	}
	run.Status = model.RunRunning
	s.UpsertRun(ctx, run)
	if !exists() {
		t.Error("running run not reported active")
	}
	run.Status = model.RunFailed
	s.UpsertRun(ctx, run)
	if exists() {
		t.Error("failed run reported active")
	}
}

func testListRunsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i := range 6 {
		task := "t1"
		if i%2 == 1 {
			task = "t2"
		}
		run := NewRun(fmt.Sprintf("r%d", i), task, fmt.Sprintf("/in/%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.UpsertRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			run.Status = model.RunSucceeded
			if err := s.UpsertRun(ctx, run); err != nil {
				t.Fatal(err)
			}
		}
	}

	tests := []struct {
		name    string
		filter  store.RunFilter
		wantIDs []string
	}{
		{"all newest first", store.RunFilter{}, []string{"r5", "r4", "r3", "r2", "r1", "r0"}},
		{"by task", store.RunFilter{TaskID: "t1"}, []string{"r4", "r2", "r0"}},
		{"by status", store.RunFilter{Status: model.RunSucceeded}, []string{"r1", "r0"}},
		{"by path", store.RunFilter{SourcePath: "/in/3"}, []string{"r3"}},
		{"since", store.RunFilter{Since: base.Add(4 * time.Minute)}, []string{"r5", "r4"}},
		{"limit", store.RunFilter{Limit: 2}, []string{"r5", "r4"}},
		{"combined", store.RunFilter{TaskID: "t2", Status: model.RunRunning}, []string{"r5", "r3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("ListRuns() = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func testWatcherState(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, ok, err := s.GetWatcherState(ctx, "t1"); ok || err != nil {
		t.Fatalf("GetWatcherState(empty) = %v, %v", ok, err)
	}

	hw := time.Unix(1700000000, 42)
	st := model.WatcherState{TaskID: "t1", Directory: "/in", Status: model.WatcherHealthy, HighWater: hw, UpdatedAt: hw}
	if err := s.UpsertWatcherState(ctx, st); err != nil {
		t.Fatalf("UpsertWatcherState() error = %v", err)
	}
	st.Status = model.WatcherDegraded
	st.Detail = "directory missing"
	if err := s.UpsertWatcherState(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetWatcherState(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetWatcherState() = %v, %v", ok, err)
	}
	if got.Status != model.WatcherDegraded || got.Detail != "directory missing" || !got.HighWater.Equal(hw) {
		t.Errorf("GetWatcherState() = %+v", got)
	}
}

func testReconcileInterrupted(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	running := NewRun("running", "t1", "/in/a", start)
	pending := NewRun("pending", "t1", "/in/b", start.Add(time.Second))
	pending.Status = model.RunPending
	done := NewRun("done", "t1", "/in/c", start)
	for _, r := range []*model.PipelineRun{running, pending, done} {
		if err := s.UpsertRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	done.Status = model.RunSucceeded
	s.UpsertRun(ctx, done)

	now := start.Add(time.Hour)
	reconciled, err := s.ReconcileInterrupted(ctx, now)
	if err != nil {
		t.Fatalf("ReconcileInterrupted() error = %v", err)
	}
	if len(reconciled) != 2 {
		t.Fatalf("reconciled %d runs, want 2", len(reconciled))
	}
	for _, r := range reconciled {
		if r.Status != model.RunFailed || r.ErrorMessage != store.InterruptedMessage {
			t.Errorf("reconciled run = %+v", r)
		}
	}

	got, _ := s.GetRun(ctx, "running")
	if got.Status != model.RunFailed || got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("stored run after reconcile = %+v", got)
	}
	if ok, _ := s.ExistsActiveRun(ctx, "t1", "/in/a"); ok {
		t.Error("reconciled path still reported active")
	}
	if d, _ := s.GetRun(ctx, "done"); d.Status != model.RunSucceeded {
		t.Error("terminal run touched by reconcile")
	}

	// Reconciled rows are never resumed: they can only move to deadlettered.
	got.Status = model.RunRunning
	if err := s.UpsertRun(ctx, got); !errors.Is(err, serrors.ErrInvalidTransition) {
		t.Errorf("failed -> running error = %v", err)
	}

	again, err := s.ReconcileInterrupted(ctx, now)
	if err != nil || len(again) != 0 {
		t.Errorf("second reconcile = %d runs, %v", len(again), err)
	}
}

func testSaveTask(t *testing.T, s store.Store) {
	task := model.TaskDefinition{
		ID:      "t1",
		Enabled: true,
		Watch:   model.WatchSpec{Directory: "/in", Glob: "*.pdf"},
		Pipeline: []model.StepDefinition{
			{Type: model.StepPrint, Action: model.PrintAction{Device: "office", Copies: 1}},
		},
		ConcurrencyLimit: 2,
	}
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() twice error = %v", err)
	}
}

func testConcurrentUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.UpsertRun(ctx, NewRun(fmt.Sprintf("r%d", i), "t1", "/in/same", time.Now()))
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("%d concurrent active runs admitted for one path, want 1", admitted)
	}
}
