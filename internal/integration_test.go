// Package internal contains integration tests that verify the sluice
// packages work together: a configuration document drives an engine backed
// by the SQLite store, real devices, and the dead-letter handler, while the
// metrics recorder observes the event bus.
package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/sluice/internal/config"
	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/engine"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/filelock"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/metrics"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/pipeline"
	"github.com/Iron-Ham/sluice/internal/store"
	"github.com/Iron-Ham/sluice/internal/store/sqlite"
	"github.com/Iron-Ham/sluice/internal/testutil"
)

const document = `
version: 1
runtime:
  state_db_path: %[1]s/state.db
  dead_letter_dir: %[1]s/deadletter
  dead_letter_layout: task
  poll_interval_ms: 10
  shutdown_timeout: 5s
devices:
  office: {type: spool, directory: %[1]s/spool}
  offline: {type: spool, directory: %[1]s/missing-spool}
tasks:
  - id: invoices
    concurrency_limit: 2
    watch: {directory: %[1]s/in, glob: "*.pdf", stabilization_ms: 20}
    pipeline:
      - {type: decision, condition: {field: size, operator: gt, value: 1B}}
      - {type: print, device: office}
      - {type: move, destination: %[1]s/done}
      - {type: copy, destination: %[1]s/backup, pattern: "*_copy.*", atomic: true, verify_checksum: true}
  - id: broken
    watch: {directory: %[1]s/broken-in}
    pipeline:
      - {type: print, device: offline, retry: {max: 0}}
  - id: invalid
    watch: {directory: %[1]s/in}
    pipeline:
      - {type: teleport}
`

type system struct {
	root     string
	cfg      *config.Config
	store    store.Store
	engine   *engine.Engine
	recorder *metrics.Recorder
	events   *testutil.EventLog
}

func startSystem(t *testing.T) *system {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"in", "broken-in", "spool"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	config.ApplyDefaults(v)
	if err := v.ReadConfig(strings.NewReader(fmt.Sprintf(document, root))); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	lock := filelock.NewFileLock(cfg.Runtime.LockPath())
	if err := lock.TryLock(); err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	t.Cleanup(func() { _ = lock.Unlock() })

	inner, err := sqlite.Open(cfg.Runtime.StateDBPath)
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	st := store.NewRetrying(inner, cfg.Runtime.StoreRetryPolicy(), logging.NopLogger())
	t.Cleanup(func() { _ = st.Close() })

	devices, err := device.BuildRegistry(cfg.Devices)
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	t.Cleanup(func() { _ = devices.Close() })

	bus := event.NewBus()
	recorder := metrics.NewRecorder()
	recorder.Attach(bus)
	t.Cleanup(recorder.Detach)

	dl := deadletter.New(cfg.Runtime.DeadLetterDir, cfg.Runtime.Layout(), st)
	runner, err := pipeline.NewRunner(pipeline.Config{
		Store:      st,
		DeadLetter: dl,
		Bus:        bus,
		Devices:    devices,
		Claims:     filelock.NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(engine.Config{
		Store:              st,
		Runner:             runner,
		DeadLetter:         dl,
		Bus:                bus,
		PollInterval:       cfg.Runtime.PollInterval(),
		ShutdownTimeout:    cfg.Runtime.ShutdownTimeout,
		DefaultConcurrency: cfg.Runtime.MaxConcurrentPerTask,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	s := &system{root: root, cfg: cfg, store: st, engine: eng, recorder: recorder, events: testutil.RecordEvents(t, bus)}

	defs, excluded := cfg.TaskDefinitions()
	if len(excluded) != 1 || excluded[0].ID != "invalid" {
		t.Fatalf("excluded = %+v, want only the invalid task", excluded)
	}
	if err := eng.Start(context.Background(), defs); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func (s *system) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *system) runs(t *testing.T, filter store.RunFilter) []*model.PipelineRun {
	t.Helper()
	runs, err := s.store.ListRuns(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	return runs
}

func TestConfiguredPipelineProcessesFile(t *testing.T) {
	s := startSystem(t)

	testutil.WriteFile(t, s.path("in", "march.pdf"), "invoice body")

	testutil.WaitFor(t, "succeeded run", func() bool {
		return len(s.runs(t, store.RunFilter{TaskID: "invoices", Status: model.RunSucceeded})) == 1
	})

	for _, want := range []string{s.path("backup", "march_copy.pdf"), s.path("done", "march.pdf")} {
		if ok, _ := fsutil.Exists(want); !ok {
			t.Errorf("%s missing", want)
		}
	}
	if ok, _ := fsutil.Exists(s.path("in", "march.pdf")); ok {
		t.Error("source still in watched directory after move")
	}
	spooled, _ := filepath.Glob(s.path("spool", "*-march.pdf"))
	if len(spooled) != 1 {
		t.Errorf("spooled jobs = %v, want 1", spooled)
	}

	run := s.runs(t, store.RunFilter{TaskID: "invoices"})[0]
	if len(run.StepResults) != 4 {
		t.Fatalf("step results = %d, want 4", len(run.StepResults))
	}
	if run.StepResults[2].ResultingPath != s.path("done", "march.pdf") {
		t.Errorf("move resulting path = %q", run.StepResults[2].ResultingPath)
	}
	if run.StepResults[3].ResultingPath != s.path("backup", "march_copy.pdf") {
		t.Errorf("copy resulting path = %q", run.StepResults[3].ResultingPath)
	}
	if got := s.recorder.Counter(metrics.RunsSucceeded, "invoices"); got != 1 {
		t.Errorf("runs_succeeded = %d, want 1", got)
	}
}

func TestConfiguredPipelineDeadLettersUnavailableDevice(t *testing.T) {
	s := startSystem(t)

	testutil.WriteFile(t, s.path("broken-in", "label.txt"), "ship to")

	testutil.WaitFor(t, "dead-lettered run", func() bool {
		return len(s.runs(t, store.RunFilter{TaskID: "broken", Status: model.RunDeadLettered})) == 1
	})

	run := s.runs(t, store.RunFilter{TaskID: "broken"})[0]
	want := s.path("deadletter", "broken", "label.txt")
	if run.DeadLetterPath != want {
		t.Errorf("DeadLetterPath = %q, want %q", run.DeadLetterPath, want)
	}
	rec, err := deadletter.ReadRecord(want + fsutil.SidecarSuffix)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if rec.RunID != run.ID || rec.StepType != model.StepPrint || rec.ContentMissing {
		t.Errorf("sidecar = %+v", rec)
	}
	if got := s.recorder.Counter(metrics.RunsDeadLettered, "broken"); got != 1 {
		t.Errorf("runs_deadlettered = %d, want 1", got)
	}
	if s.events.Count(event.TypeRunFailed) != 1 {
		t.Errorf("run.failed events = %d, want 1", s.events.Count(event.TypeRunFailed))
	}
}

func TestSecondProcessCannotLockStore(t *testing.T) {
	s := startSystem(t)

	second := filelock.NewFileLock(s.cfg.Runtime.LockPath())
	if err := second.TryLock(); err == nil {
		_ = second.Unlock()
		t.Fatal("second lock on the state store succeeded")
	}
}
