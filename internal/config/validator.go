package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/pipeline"
	"github.com/Iron-Ham/sluice/internal/translate"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "tasks[0].pipeline[1].type")
	Value   any    // The invalid value
	Message string // Human-readable error description
	// Cause is the sentinel the failure corresponds to, if any.
	Cause error
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Unwrap returns the sentinel cause.
func (e ValidationError) Unwrap() error {
	return e.Cause
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes every error to errors.Is and errors.As.
func (e ValidationErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i := range e {
		out[i] = e[i]
	}
	return out
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStateBackends returns the list of valid state backends
func ValidStateBackends() []string {
	return []string{BackendSQLite, BackendMemory}
}

// ValidLayouts returns the list of valid dead-letter layouts
func ValidLayouts() []string {
	return []string{string(deadletter.LayoutFlat), string(deadletter.LayoutTask), string(deadletter.LayoutRun)}
}

// Validate checks the global settings and returns all validation errors
// found. Tasks are checked separately by ValidateTasks.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Version != 0 && c.Version != 1 {
		errors = append(errors, ValidationError{
			Field:   "version",
			Value:   c.Version,
			Message: "unsupported configuration version; expected 1",
		})
	}

	// Validate Logging config
	errors = append(errors, c.validateLogging()...)

	// Validate Metrics config
	errors = append(errors, c.validateMetrics()...)

	// Validate Runtime config
	errors = append(errors, c.validateRuntime()...)

	// Validate Devices
	errors = append(errors, c.validateDevices()...)

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.Rotation.MaxSizeMB < 0 || c.Logging.Rotation.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.rotation.max_size_mb",
			Value:   c.Logging.Rotation.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.Rotation.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.rotation.max_backups",
			Value:   c.Logging.Rotation.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateMetrics() []ValidationError {
	if !c.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
		return []ValidationError{{
			Field:   "metrics.listen",
			Value:   c.Metrics.Listen,
			Message: "must be host:port",
		}}
	}
	return nil
}

func (c *Config) validateRuntime() []ValidationError {
	var errors []ValidationError
	r := c.Runtime

	if r.MaxConcurrentPerTask < 1 {
		errors = append(errors, ValidationError{
			Field:   "runtime.max_concurrent_per_task",
			Value:   r.MaxConcurrentPerTask,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(ValidStateBackends(), r.StateBackend) {
		errors = append(errors, ValidationError{
			Field:   "runtime.state_backend",
			Value:   r.StateBackend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStateBackends(), ", ")),
		})
	}
	if r.StateBackend == BackendSQLite && r.StateDBPath == "" {
		errors = append(errors, ValidationError{
			Field:   "runtime.state_db_path",
			Value:   r.StateDBPath,
			Message: "is required for the sqlite backend",
		})
	}
	if r.DeadLetterDir == "" {
		errors = append(errors, ValidationError{
			Field:   "runtime.dead_letter_dir",
			Value:   r.DeadLetterDir,
			Message: "is required",
		})
	}
	if !slices.Contains(ValidLayouts(), r.DeadLetterLayout) {
		errors = append(errors, ValidationError{
			Field:   "runtime.dead_letter_layout",
			Value:   r.DeadLetterLayout,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLayouts(), ", ")),
		})
	}

	const minPollMs, maxPollMs = 10, 60_000
	if r.PollIntervalMs < minPollMs || r.PollIntervalMs > maxPollMs {
		errors = append(errors, ValidationError{
			Field:   "runtime.poll_interval_ms",
			Value:   r.PollIntervalMs,
			Message: fmt.Sprintf("must be between %d and %d", minPollMs, maxPollMs),
		})
	}
	if r.ShutdownTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.shutdown_timeout",
			Value:   r.ShutdownTimeout,
			Message: "must be positive",
		})
	}
	if r.StoreRetry.Attempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "runtime.store_retry.attempts",
			Value:   r.StoreRetry.Attempts,
			Message: "must be at least 1",
		})
	}
	if r.StoreRetry.Delay < 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.store_retry.delay",
			Value:   r.StoreRetry.Delay,
			Message: "must be non-negative",
		})
	}
	return errors
}

func (c *Config) validateDevices() []ValidationError {
	var errors []ValidationError
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := c.Devices[name].Validate(); err != nil {
			errors = append(errors, ValidationError{
				Field:   "devices." + name,
				Value:   c.Devices[name].Type,
				Message: err.Error(),
			})
		}
	}
	return errors
}

// TaskResult is the validation outcome of one configured task.
type TaskResult struct {
	// Index is the position of the task in the document.
	Index int
	ID    string
	// Definition is usable only when Errors is empty.
	Definition model.TaskDefinition
	Errors     ValidationErrors
}

// Valid reports whether the task passed validation.
func (r TaskResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns the task's problems as a ConfigurationError, or nil.
func (r TaskResult) Err() error {
	if r.Valid() {
		return nil
	}
	return errors.NewConfigurationError(r.Errors.Error(), r.Errors).WithTaskID(r.ID).WithField(r.Errors[0].Field)
}

// ValidateTasks checks every task, including disabled ones, and converts
// the valid ones to definitions. IDs must be unique among enabled tasks;
// a later duplicate is rejected.
func (c *Config) ValidateTasks() []TaskResult {
	results := make([]TaskResult, 0, len(c.Tasks))
	seen := make(map[string]int)
	for i, tc := range c.Tasks {
		res := c.validateTask(i, tc)
		if tc.IsEnabled() && tc.ID != "" {
			if first, dup := seen[tc.ID]; dup {
				res.Errors = append(res.Errors, ValidationError{
					Field:   fmt.Sprintf("tasks[%d].id", i),
					Value:   tc.ID,
					Message: fmt.Sprintf("duplicates tasks[%d]", first),
					Cause:   errors.ErrDuplicateTaskID,
				})
			} else {
				seen[tc.ID] = i
			}
		}
		results = append(results, res)
	}
	return results
}

// TaskDefinitions returns the valid enabled tasks and the results of the
// tasks excluded for problems.
func (c *Config) TaskDefinitions() ([]model.TaskDefinition, []TaskResult) {
	var defs []model.TaskDefinition
	var excluded []TaskResult
	for _, res := range c.ValidateTasks() {
		switch {
		case !res.Valid():
			excluded = append(excluded, res)
		case res.Definition.Enabled:
			defs = append(defs, res.Definition)
		}
	}
	return defs, excluded
}

func (c *Config) validateTask(index int, tc TaskConfig) TaskResult {
	prefix := fmt.Sprintf("tasks[%d]", index)
	res := TaskResult{Index: index, ID: tc.ID}
	add := func(field string, value any, msg string, cause error) {
		res.Errors = append(res.Errors, ValidationError{Field: prefix + "." + field, Value: value, Message: msg, Cause: cause})
	}

	if tc.ID == "" {
		add("id", tc.ID, "is required", errors.ErrInvalidInput)
	}
	if tc.Watch.Directory == "" {
		add("watch.directory", tc.Watch.Directory, "is required", errors.ErrInvalidInput)
	}
	if tc.Watch.Glob != "" {
		if _, err := glob.Compile(tc.Watch.Glob); err != nil {
			add("watch.glob", tc.Watch.Glob, "is not a valid glob", errors.ErrMalformedPattern)
		}
	}
	if tc.Watch.DebounceMs < 0 {
		add("watch.debounce_ms", tc.Watch.DebounceMs, "must be non-negative", errors.ErrInvalidInput)
	}
	if tc.Watch.StabilizationMs < 0 {
		add("watch.stabilization_ms", tc.Watch.StabilizationMs, "must be non-negative", errors.ErrInvalidInput)
	}
	if tc.ConcurrencyLimit < 0 {
		add("concurrency_limit", tc.ConcurrencyLimit, "must be non-negative", errors.ErrInvalidInput)
	}
	if len(tc.Pipeline) == 0 {
		add("pipeline", 0, "must contain at least one step", errors.ErrInvalidInput)
	}

	steps := make([]model.StepDefinition, 0, len(tc.Pipeline))
	for j, sc := range tc.Pipeline {
		step, problems := c.convertStep(fmt.Sprintf("%s.pipeline[%d]", prefix, j), sc)
		res.Errors = append(res.Errors, problems...)
		steps = append(steps, step)
	}
	if !res.Valid() {
		return res
	}

	limit := tc.ConcurrencyLimit
	if limit == 0 {
		limit = c.Runtime.MaxConcurrentPerTask
	}
	res.Definition = model.TaskDefinition{
		ID:      tc.ID,
		Enabled: tc.IsEnabled(),
		Watch: model.WatchSpec{
			Directory:       tc.Watch.Directory,
			Glob:            tc.Watch.Glob,
			Debounce:        time.Duration(tc.Watch.DebounceMs) * time.Millisecond,
			Stabilization:   time.Duration(tc.Watch.StabilizationMs) * time.Millisecond,
			ProcessExisting: tc.Watch.ProcessExisting,
		},
		Pipeline:         steps,
		ConcurrencyLimit: limit,
	}
	return res
}

// convertStep builds the typed step for sc and reports its problems.
func (c *Config) convertStep(prefix string, sc StepConfig) (model.StepDefinition, ValidationErrors) {
	var errs ValidationErrors
	add := func(field string, value any, msg string, cause error) {
		errs = append(errs, ValidationError{Field: prefix + "." + field, Value: value, Message: msg, Cause: cause})
	}

	stepType := model.StepType(strings.ToLower(sc.Type))
	if !stepType.Valid() {
		names := make([]string, 0, len(model.StepTypes()))
		for _, t := range model.StepTypes() {
			names = append(names, string(t))
		}
		add("type", sc.Type, fmt.Sprintf("must be one of: %s", strings.Join(names, ", ")), errors.ErrUnknownStepType)
		return model.StepDefinition{}, errs
	}
	if sc.Retry.Max < 0 {
		add("retry.max", sc.Retry.Max, "must be non-negative", errors.ErrInvalidInput)
	}
	if sc.Retry.BackoffMs < 0 {
		add("retry.backoff_ms", sc.Retry.BackoffMs, "must be non-negative", errors.ErrInvalidInput)
	}

	step := model.StepDefinition{
		Type: stepType,
		Retry: model.RetryPolicy{
			Max:     sc.Retry.Max,
			Backoff: time.Duration(sc.Retry.BackoffMs) * time.Millisecond,
		},
	}

	transfer := func() model.TransferAction {
		conflict := model.ConflictStrategy(strings.ToLower(sc.Conflict))
		if conflict == "" {
			conflict = model.ConflictRename
		}
		if !conflict.Valid() {
			add("conflict", sc.Conflict, "must be one of: overwrite, rename, skip, fail", errors.ErrInvalidInput)
		}
		if sc.Destination == "" {
			add("destination", sc.Destination, "is required", errors.ErrInvalidInput)
		}
		if err := translate.Validate(sc.Pattern); err != nil {
			add("pattern", sc.Pattern, err.Error(), errors.ErrMalformedPattern)
		}
		return model.TransferAction{
			Destination:    sc.Destination,
			Pattern:        sc.Pattern,
			Atomic:         sc.Atomic,
			VerifyChecksum: sc.VerifyChecksum,
			Conflict:       conflict,
		}
	}

	switch stepType {
	case model.StepCopy:
		step.Action = model.CopyAction{TransferAction: transfer()}
	case model.StepMove:
		step.Action = model.MoveAction{TransferAction: transfer()}
	case model.StepArchive:
		period := model.ArchivePeriod(strings.ToLower(sc.Period))
		if period == "" {
			period = model.PeriodMonth
		}
		if !period.Valid() {
			add("period", sc.Period, "must be one of: year, month, day", errors.ErrInvalidInput)
		}
		step.Action = model.ArchiveAction{TransferAction: transfer(), Period: period}
	case model.StepPrint:
		if sc.Device == "" {
			add("device", sc.Device, "is required", errors.ErrInvalidInput)
		} else if _, ok := c.Devices[sc.Device]; !ok {
			add("device", sc.Device, "is not a configured device", errors.ErrUnknownDevice)
		}
		if sc.Copies < 0 {
			add("copies", sc.Copies, "must be at least 1", errors.ErrInvalidInput)
		}
		step.Action = model.PrintAction{Device: sc.Device, Copies: max(sc.Copies, 1)}
	case model.StepDelete:
		step.Action = model.DeleteAction{Secure: sc.Secure}
	case model.StepDecision:
		cond := model.Condition{
			Field:    model.ConditionField(strings.ToLower(sc.Condition.Field)),
			Operator: model.Operator(strings.ToLower(sc.Condition.Operator)),
			Value:    sc.Condition.Value,
		}
		if err := pipeline.ValidateCondition(cond); err != nil {
			add("condition", sc.Condition, err.Error(), errors.ErrInvalidInput)
		}
		step.Action = model.DecisionAction{Condition: cond}
	}
	return step, errs
}

// DeviceConfigs returns the configured devices.
func (c *Config) DeviceConfigs() map[string]device.Config {
	out := make(map[string]device.Config, len(c.Devices))
	for name, dc := range c.Devices {
		out[name] = dc
	}
	return out
}
