package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/errors"
)

func load(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	ApplyDefaults(v)
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return LoadFrom(v)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Runtime.MaxConcurrentPerTask != 4 {
		t.Errorf("Runtime.MaxConcurrentPerTask = %d, want 4", cfg.Runtime.MaxConcurrentPerTask)
	}
	if cfg.Runtime.StateBackend != BackendSQLite {
		t.Errorf("Runtime.StateBackend = %q, want %q", cfg.Runtime.StateBackend, BackendSQLite)
	}
	if cfg.Runtime.Layout() != deadletter.LayoutTask {
		t.Errorf("Runtime.Layout() = %q, want %q", cfg.Runtime.Layout(), deadletter.LayoutTask)
	}
	if cfg.Runtime.ShutdownTimeout != 30*time.Second {
		t.Errorf("Runtime.ShutdownTimeout = %v, want 30s", cfg.Runtime.ShutdownTimeout)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v, want no errors", errs)
	}
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	cfg, err := load(t, `
version: 1
tasks:
  - id: invoices
    watch:
      directory: /in
    pipeline:
      - type: delete
`)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Runtime.PollInterval() != 200*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 200ms", cfg.Runtime.PollInterval())
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].ID != "invoices" {
		t.Fatalf("Tasks = %+v", cfg.Tasks)
	}
	if !cfg.Tasks[0].IsEnabled() {
		t.Error("task without enabled should default to enabled")
	}
}

func TestLoadFromRejectsBadGlobals(t *testing.T) {
	_, err := load(t, `
logging:
  level: loud
runtime:
  state_backend: redis
`)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("LoadFrom() error = %v, want ValidationErrors", err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{"logging.level", "runtime.state_backend"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s in %v", want, verrs)
		}
	}
}

func TestLoadFromDevices(t *testing.T) {
	cfg, err := load(t, `
devices:
  office:
    type: spool
    directory: /var/spool/sluice
tasks:
  - id: print
    watch:
      directory: /in
    pipeline:
      - type: print
        device: office
        copies: 2
`)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if _, ok := cfg.Devices["office"]; !ok {
		t.Fatalf("Devices = %+v", cfg.Devices)
	}
	defs, excluded := cfg.TaskDefinitions()
	if len(excluded) != 0 {
		t.Fatalf("excluded = %+v", excluded)
	}
	if len(defs) != 1 || len(defs[0].Pipeline) != 1 {
		t.Fatalf("defs = %+v", defs)
	}
}

func TestRuntimeHelpers(t *testing.T) {
	r := Default().Runtime

	p := r.StoreRetryPolicy()
	if p.MaxRetries != 2 || p.Backoff != 100*time.Millisecond {
		t.Errorf("StoreRetryPolicy() = %+v", p)
	}
	if r.LockPath() != "./sluice.db.lock" {
		t.Errorf("LockPath() = %q", r.LockPath())
	}
	r.StateBackend = BackendMemory
	if r.LockPath() != "" {
		t.Errorf("memory LockPath() = %q, want empty", r.LockPath())
	}
}

func TestConfigDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != "/tmp/xdg/sluice" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/tmp/xdg/sluice/sluice.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestBindEnvOverridesFile(t *testing.T) {
	t.Setenv("SLUICE_RUNTIME_STATE_DB_PATH", "/data/state.db")
	v := viper.New()
	v.SetConfigType("yaml")
	ApplyDefaults(v)
	BindEnv(v)
	if err := v.ReadConfig(strings.NewReader("runtime:\n  state_db_path: ./file.db\n")); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Runtime.StateDBPath != "/data/state.db" {
		t.Errorf("StateDBPath = %q, want env override", cfg.Runtime.StateDBPath)
	}
}
