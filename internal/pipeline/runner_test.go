package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/filelock"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store/memory"
	"github.com/Iron-Ham/sluice/internal/store/storetest"
)

var testNow = time.Date(2026, 5, 17, 9, 30, 0, 0, time.UTC)

type fakeDevice struct {
	name string

	mu    sync.Mutex
	fails int
	err   error
	jobs  []device.Job
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) Submit(_ context.Context, job device.Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fails > 0 {
		d.fails--
		return "", d.err
	}
	d.jobs = append(d.jobs, job)
	return "job-1", nil
}

type env struct {
	in, out, dlq string
	store        *memory.Store
	bus          *event.Bus
	devices      *device.Registry
	claims       *filelock.Registry
	runner       *Runner

	mu     sync.Mutex
	events []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		in:      t.TempDir(),
		out:     t.TempDir(),
		dlq:     t.TempDir(),
		store:   memory.New(),
		bus:     event.NewBus(),
		devices: device.NewRegistry(),
		claims:  filelock.NewRegistry(),
	}
	e.bus.SubscribeAll(func(ev event.Event) {
		e.mu.Lock()
		e.events = append(e.events, ev.EventType())
		e.mu.Unlock()
	})
	dl := deadletter.New(e.dlq, deadletter.LayoutFlat, e.store,
		deadletter.WithClock(func() time.Time { return testNow }))
	r, err := NewRunner(Config{
		Store:      e.store,
		DeadLetter: dl,
		Bus:        e.bus,
		Devices:    e.devices,
		Claims:     e.claims,
	},
		WithClock(func() time.Time { return testNow }),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	if err != nil {
		t.Fatal(err)
	}
	e.runner = r
	return e
}

func (e *env) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.in, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *env) admit(t *testing.T, id, path string) *model.PipelineRun {
	t.Helper()
	run := storetest.NewRun(id, "t1", path, testNow.Add(-time.Second))
	if err := e.store.UpsertRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func (e *env) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, et := range e.events {
		if et == eventType {
			n++
		}
	}
	return n
}

func (e *env) stored(t *testing.T, id string) *model.PipelineRun {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func copyStep(dst, pattern string, conflict model.ConflictStrategy) model.StepDefinition {
	return model.StepDefinition{
		Type: model.StepCopy,
		Action: model.CopyAction{TransferAction: model.TransferAction{
			Destination: dst, Pattern: pattern, Atomic: true, VerifyChecksum: true, Conflict: conflict,
		}},
	}
}

func TestExecuteCopyThenMoveThenDelete(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "report.pdf", "data")
	run := e.admit(t, "r1", src)
	moved := filepath.Join(e.out, "moved")

	steps := []model.StepDefinition{
		copyStep(e.out, "*.bak", model.ConflictRename),
		{Type: model.StepMove, Action: model.MoveAction{TransferAction: model.TransferAction{Destination: moved}}},
		{Type: model.StepDelete, Action: model.DeleteAction{Secure: true}},
	}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := e.stored(t, "r1")
	if got.Status != model.RunSucceeded || got.CompletedAt == nil {
		t.Fatalf("status = %s, completed = %v", got.Status, got.CompletedAt)
	}
	if len(got.StepResults) != 3 {
		t.Fatalf("step results = %d, want 3", len(got.StepResults))
	}
	if want := filepath.Join(e.out, "report.bak"); got.StepResults[0].ResultingPath != want {
		t.Errorf("copy result = %s, want %s", got.StepResults[0].ResultingPath, want)
	}
	if want := filepath.Join(moved, "report.bak"); got.StepResults[1].ResultingPath != want {
		t.Errorf("move result = %s, want %s", got.StepResults[1].ResultingPath, want)
	}
	if got.CurrentPath != "" {
		t.Errorf("current path after delete = %q", got.CurrentPath)
	}
	if ok, _ := fsutil.Exists(src); !ok {
		t.Error("copy removed the source")
	}
	if ok, _ := fsutil.Exists(filepath.Join(e.out, "report.bak")); ok {
		t.Error("move left its input behind")
	}
	if ok, _ := fsutil.Exists(filepath.Join(moved, "report.bak")); ok {
		t.Error("delete left the file behind")
	}
	if e.count(event.TypeRunSucceeded) != 1 {
		t.Errorf("run.succeeded events = %d", e.count(event.TypeRunSucceeded))
	}
}

func TestExecuteDecisionFalseEndsRunSkipped(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "small.txt", "tiny")
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{
		{Type: model.StepDecision, Action: model.DecisionAction{
			Condition: model.Condition{Field: model.FieldSize, Operator: model.OpGt, Value: "10KB"},
		}},
		{Type: model.StepDelete, Action: model.DeleteAction{}},
	}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatal(err)
	}

	got := e.stored(t, "r1")
	if got.Status != model.RunSucceeded || !got.Skipped {
		t.Errorf("status = %s, skipped = %v", got.Status, got.Skipped)
	}
	if len(got.StepResults) != 1 || got.StepResults[0].Outcome != model.OutcomeSkipped {
		t.Errorf("step results = %+v", got.StepResults)
	}
	if ok, _ := fsutil.Exists(src); !ok {
		t.Error("step after a false decision ran")
	}
}

func TestExecuteSkipConflictContinues(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.txt", "new")
	existing := filepath.Join(e.out, "a.txt")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{
		copyStep(e.out, "", model.ConflictSkip),
		copyStep(filepath.Join(e.out, "second"), "", model.ConflictRename),
	}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatal(err)
	}

	got := e.stored(t, "r1")
	if got.StepResults[0].Outcome != model.OutcomeSkipped || got.StepResults[0].Note == "" {
		t.Errorf("first step = %+v", got.StepResults[0])
	}
	if data, _ := os.ReadFile(existing); string(data) != "old" {
		t.Errorf("skip overwrote destination: %q", data)
	}
	if got.Skipped {
		t.Error("run marked skipped by a conflict skip")
	}
	if want := filepath.Join(e.out, "second", "a.txt"); got.CurrentPath != want {
		t.Errorf("current path = %s, want %s", got.CurrentPath, want)
	}
}

func TestExecuteRenameAvoidsClaimedDestination(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.txt", "x")
	run := e.admit(t, "r1", src)
	if err := e.claims.Claim("other-run", filepath.Join(e.out, "a.txt")); err != nil {
		t.Fatal(err)
	}

	if err := e.runner.Execute(context.Background(), []model.StepDefinition{copyStep(e.out, "", model.ConflictRename)}, run); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(e.out, "a_1.txt"); e.stored(t, "r1").CurrentPath != want {
		t.Errorf("current path = %s, want %s", e.stored(t, "r1").CurrentPath, want)
	}
	if e.claims.Len() != 1 {
		t.Errorf("claims left = %d, want only the foreign claim", e.claims.Len())
	}
}

func TestExecuteArchiveUsesPeriodSubfolder(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.txt", "x")
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{{
		Type:   model.StepArchive,
		Action: model.ArchiveAction{TransferAction: model.TransferAction{Destination: e.out}, Period: model.PeriodDay},
	}}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(e.out, run.StartedAt.Format("2006-01-02"), "a.txt")
	if ok, _ := fsutil.Exists(want); !ok {
		t.Errorf("archive not written to %s", want)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	dev := &fakeDevice{name: "office", fails: 2, err: errors.NewTransientIOError("spooler busy", nil)}
	if err := e.devices.Register(dev); err != nil {
		t.Fatal(err)
	}
	src := e.file(t, "a.pdf", "x")
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{{
		Type:   model.StepPrint,
		Retry:  model.RetryPolicy{Max: 3, Backoff: time.Millisecond},
		Action: model.PrintAction{Device: "office", Copies: 2},
	}}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatal(err)
	}

	got := e.stored(t, "r1")
	if got.Status != model.RunSucceeded || got.StepResults[0].Attempts != 3 {
		t.Errorf("status = %s, attempts = %d", got.Status, got.StepResults[0].Attempts)
	}
	if e.count(event.TypeStepRetried) != 2 {
		t.Errorf("step.retried events = %d, want 2", e.count(event.TypeStepRetried))
	}
	if len(dev.jobs) != 1 || dev.jobs[0].Copies != 2 || dev.jobs[0].RunID != "r1" {
		t.Errorf("jobs = %+v", dev.jobs)
	}
}

func TestExecuteExhaustedRetriesDeadLetter(t *testing.T) {
	e := newEnv(t)
	dev := &fakeDevice{name: "office", fails: 10, err: errors.NewTransientIOError("spooler busy", nil)}
	if err := e.devices.Register(dev); err != nil {
		t.Fatal(err)
	}
	src := e.file(t, "a.pdf", "x")
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{
		copyStep(e.out, "", model.ConflictRename),
		{Type: model.StepPrint, Retry: model.RetryPolicy{Max: 2}, Action: model.PrintAction{Device: "office"}},
	}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := e.stored(t, "r1")
	if got.Status != model.RunDeadLettered {
		t.Fatalf("status = %s, want deadlettered", got.Status)
	}
	if got.FailedStep == nil || *got.FailedStep != 1 {
		t.Errorf("failed step = %v", got.FailedStep)
	}
	if got.StepResults[1].Attempts != 3 || got.StepResults[1].Outcome != model.OutcomeFailed {
		t.Errorf("print result = %+v", got.StepResults[1])
	}
	// The copy is what gets dead-lettered; the source stays where it was.
	if want := filepath.Join(e.dlq, "a.pdf"); got.DeadLetterPath != want {
		t.Errorf("dead letter path = %s, want %s", got.DeadLetterPath, want)
	}
	if ok, _ := fsutil.Exists(src); !ok {
		t.Error("source removed")
	}
	if e.count(event.TypeRunFailed) != 1 || e.count(event.TypeRunDeadLettered) != 1 {
		t.Errorf("events = %v", e.events)
	}
}

func TestExecutePermanentFailureIsNotRetried(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.pdf", "x")
	run := e.admit(t, "r1", src)

	steps := []model.StepDefinition{{
		Type:   model.StepPrint,
		Retry:  model.RetryPolicy{Max: 5},
		Action: model.PrintAction{Device: "missing"},
	}}
	if err := e.runner.Execute(context.Background(), steps, run); err != nil {
		t.Fatal(err)
	}
	got := e.stored(t, "r1")
	if got.Status != model.RunDeadLettered || got.StepResults[0].Attempts != 1 {
		t.Errorf("status = %s, attempts = %d", got.Status, got.StepResults[0].Attempts)
	}
	if e.count(event.TypeStepRetried) != 0 {
		t.Error("permanent failure was retried")
	}
}

func TestExecuteMissingSourceDeadLettersWithoutContent(t *testing.T) {
	e := newEnv(t)
	run := e.admit(t, "r1", filepath.Join(e.in, "vanished.txt"))

	if err := e.runner.Execute(context.Background(), []model.StepDefinition{copyStep(e.out, "", model.ConflictRename)}, run); err != nil {
		t.Fatal(err)
	}
	got := e.stored(t, "r1")
	if got.Status != model.RunDeadLettered {
		t.Fatalf("status = %s", got.Status)
	}
	rec, err := deadletter.ReadRecord(got.DeadLetterPath + fsutil.SidecarSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ContentMissing {
		t.Error("sidecar does not record missing content")
	}
}

func TestExecuteInterruptedLeavesRunRunning(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.txt", "x")
	run := e.admit(t, "r1", src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.runner.Execute(ctx, []model.StepDefinition{copyStep(e.out, "", model.ConflictRename)}, run)
	if !errors.Is(err, errors.ErrInterrupted) {
		t.Fatalf("Execute() error = %v, want ErrInterrupted", err)
	}
	if got := e.stored(t, "r1"); got.Status != model.RunRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestAbandonDeadLettersRun(t *testing.T) {
	e := newEnv(t)
	src := e.file(t, "a.txt", "x")
	run := e.admit(t, "r1", src)

	if err := e.runner.Abandon(context.Background(), run, errors.New("panic: boom")); err != nil {
		t.Fatal(err)
	}
	got := e.stored(t, "r1")
	if got.Status != model.RunDeadLettered || got.ErrorMessage != "panic: boom" {
		t.Errorf("run = %+v", got)
	}
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	if _, err := NewRunner(Config{}); err == nil {
		t.Error("NewRunner without store succeeded")
	}
	if _, err := NewRunner(Config{Store: memory.New()}); err == nil {
		t.Error("NewRunner without dead-letter handler succeeded")
	}
}
