// Package config loads the sluice configuration document with viper and
// turns it into validated task definitions.
//
// Global settings (logging, runtime, devices) must be valid for the
// process to start. Tasks are validated one by one: an invalid task is
// excluded with per-field reasons while the others run.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/retry"
)

// EnvPrefix is prepended to environment overrides: runtime.state_db_path
// is read from SLUICE_RUNTIME_STATE_DB_PATH.
const EnvPrefix = "SLUICE"

// Config represents the complete sluice configuration
type Config struct {
	Version int                      `mapstructure:"version"`
	Logging LoggingConfig            `mapstructure:"logging"`
	Metrics MetricsConfig            `mapstructure:"metrics"`
	Runtime RuntimeConfig            `mapstructure:"runtime"`
	Devices map[string]device.Config `mapstructure:"devices"`
	Tasks   []TaskConfig             `mapstructure:"tasks"`
}

// LoggingConfig controls the process log
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where sluice.log is written. Empty logs to stderr.
	Dir      string         `mapstructure:"dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls size-based rotation of sluice.log
type RotationConfig struct {
	// MaxSizeMB is the size at which the log is rotated (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig controls the optional metrics endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// RuntimeConfig controls the engine
type RuntimeConfig struct {
	// MaxConcurrentPerTask applies to tasks that set no concurrency_limit
	MaxConcurrentPerTask int `mapstructure:"max_concurrent_per_task"`
	// StateBackend is "sqlite" (default) or "memory"
	StateBackend string `mapstructure:"state_backend"`
	StateDBPath  string `mapstructure:"state_db_path"`
	// DeadLetterDir receives the inputs of runs that exhausted their retries
	DeadLetterDir string `mapstructure:"dead_letter_dir"`
	// DeadLetterLayout is "flat", "task" (default), or "run"
	DeadLetterLayout string `mapstructure:"dead_letter_layout"`
	// PollIntervalMs is how often watchers re-examine candidates
	PollIntervalMs  int              `mapstructure:"poll_interval_ms"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
	StoreRetry      StoreRetryConfig `mapstructure:"store_retry"`
}

// StoreRetryConfig bounds retries of state store writes
type StoreRetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// TaskConfig is a task as written in the configuration document
type TaskConfig struct {
	ID string `mapstructure:"id"`
	// Enabled defaults to true when omitted
	Enabled          *bool        `mapstructure:"enabled"`
	ConcurrencyLimit int          `mapstructure:"concurrency_limit"`
	Watch            WatchConfig  `mapstructure:"watch"`
	Pipeline         []StepConfig `mapstructure:"pipeline"`
}

// IsEnabled reports whether the task should run.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// WatchConfig describes the watched directory of a task
type WatchConfig struct {
	Directory       string `mapstructure:"directory"`
	Glob            string `mapstructure:"glob"`
	DebounceMs      int    `mapstructure:"debounce_ms"`
	StabilizationMs int    `mapstructure:"stabilization_ms"`
	ProcessExisting bool   `mapstructure:"process_existing"`
}

// StepConfig is one pipeline entry. Only the fields of its type are read.
type StepConfig struct {
	Type  string      `mapstructure:"type"`
	Retry RetryConfig `mapstructure:"retry"`

	// copy, move, archive
	Destination    string `mapstructure:"destination"`
	Pattern        string `mapstructure:"pattern"`
	Atomic         bool   `mapstructure:"atomic"`
	VerifyChecksum bool   `mapstructure:"verify_checksum"`
	Conflict       string `mapstructure:"conflict"`
	Period         string `mapstructure:"period"`

	// print
	Device string `mapstructure:"device"`
	Copies int    `mapstructure:"copies"`

	// delete
	Secure bool `mapstructure:"secure"`

	// decision
	Condition ConditionConfig `mapstructure:"condition"`
}

// RetryConfig is the per-step retry policy
type RetryConfig struct {
	Max       int `mapstructure:"max"`
	BackoffMs int `mapstructure:"backoff_ms"`
}

// ConditionConfig is the predicate of a decision step
type ConditionConfig struct {
	Field    string `mapstructure:"field"`
	Operator string `mapstructure:"operator"`
	Value    string `mapstructure:"value"`
}

// Default returns a Config with default values for every global setting.
func Default() *Config {
	return &Config{
		Version: 1,
		Logging: LoggingConfig{
			Level: "info",
			Rotation: RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
			},
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Runtime: RuntimeConfig{
			MaxConcurrentPerTask: 4,
			StateBackend:         BackendSQLite,
			StateDBPath:          "./sluice.db",
			DeadLetterDir:        "./deadletter",
			DeadLetterLayout:     string(deadletter.LayoutTask),
			PollIntervalMs:       200,
			ShutdownTimeout:      30 * time.Second,
			StoreRetry: StoreRetryConfig{
				Attempts: 3,
				Delay:    100 * time.Millisecond,
			},
		},
	}
}

// State backends
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// PollInterval returns the watcher poll interval.
func (r RuntimeConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// StoreRetryPolicy returns the retry policy for state store writes.
func (r RuntimeConfig) StoreRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: max(r.StoreRetry.Attempts-1, 0),
		Backoff:    r.StoreRetry.Delay,
	}
}

// Layout returns the dead-letter layout.
func (r RuntimeConfig) Layout() deadletter.Layout {
	return deadletter.Layout(r.DeadLetterLayout)
}

// LockPath returns the process lock guarding the state store, or "" for
// the memory backend, whose state dies with the process.
func (r RuntimeConfig) LockPath() string {
	if r.StateBackend == BackendMemory {
		return ""
	}
	return r.StateDBPath + ".lock"
}

// RotationOptions converts the rotation settings for the logger.
func (l LoggingConfig) RotationOptions() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  l.Rotation.MaxSizeMB,
		MaxBackups: l.Rotation.MaxBackups,
		Compress:   l.Rotation.Compress,
	}
}

// SetDefaults registers default values with the global viper instance.
func SetDefaults() {
	ApplyDefaults(viper.GetViper())
}

// ApplyDefaults registers default values with v. Registering every key
// also lets environment overrides reach keys absent from the file.
func ApplyDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("version", defaults.Version)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.rotation.max_size_mb", defaults.Logging.Rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_backups", defaults.Logging.Rotation.MaxBackups)
	v.SetDefault("logging.rotation.compress", defaults.Logging.Rotation.Compress)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.listen", defaults.Metrics.Listen)

	// Runtime defaults
	v.SetDefault("runtime.max_concurrent_per_task", defaults.Runtime.MaxConcurrentPerTask)
	v.SetDefault("runtime.state_backend", defaults.Runtime.StateBackend)
	v.SetDefault("runtime.state_db_path", defaults.Runtime.StateDBPath)
	v.SetDefault("runtime.dead_letter_dir", defaults.Runtime.DeadLetterDir)
	v.SetDefault("runtime.dead_letter_layout", defaults.Runtime.DeadLetterLayout)
	v.SetDefault("runtime.poll_interval_ms", defaults.Runtime.PollIntervalMs)
	v.SetDefault("runtime.shutdown_timeout", defaults.Runtime.ShutdownTimeout)
	v.SetDefault("runtime.store_retry.attempts", defaults.Runtime.StoreRetry.Attempts)
	v.SetDefault("runtime.store_retry.delay", defaults.Runtime.StoreRetry.Delay)
}

// BindEnv makes v read SLUICE_* environment overrides.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global viper instance and
// validates the global settings.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v and validates the global
// settings. Task problems do not fail the load; see Config.ValidateTasks.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sluice")
	}
	// Fall back to ~/.config/sluice
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sluice"
	}
	return filepath.Join(home, ".config", "sluice")
}

// ConfigFile returns the path to the default config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "sluice.yaml")
}
