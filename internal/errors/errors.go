// Package errors provides centralized error definitions and error handling utilities
// for sluice. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of the pipeline engine:
//   - ConfigurationError: invalid task definition; the task is excluded
//   - TransientIOError: a filesystem or device failure that may succeed on retry
//   - PermanentStepError: a step failure that retrying cannot fix
//   - DuplicateEventError: an event for a path that already has an active run
//   - StateStoreError: the state store could not persist or load data
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//
// # Usage
//
//	err := errors.NewTransientIOError("copy failed", ioErr).WithPath(dst)
//
//	if errors.IsRetryable(err) { ... }
//	if errors.Is(err, errors.ErrUnknownDevice) { ... }
//
// # Error Classification
//
// The retry controller relies on IsRetryable. Anything that is not explicitly
// retryable is treated as permanent and sends the run to the dead-letter
// handler without further attempts.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Step-related sentinel errors
var (
	// ErrUnknownDevice indicates a print step referenced a device that is not registered.
	ErrUnknownDevice = New("unknown output device")
	// ErrDeviceUnavailable indicates a device exists but cannot accept jobs.
	ErrDeviceUnavailable = New("output device unavailable")
	// ErrDestinationExists indicates the conflict strategy refused an existing destination.
	ErrDestinationExists = New("destination already exists")
	// ErrChecksumMismatch indicates a copied file does not match its source.
	ErrChecksumMismatch = New("checksum mismatch")
	// ErrSourceMissing indicates the file a step operates on no longer exists.
	ErrSourceMissing = New("source file missing")
	// ErrInterrupted indicates a run was interrupted by a process stop.
	ErrInterrupted = New("interrupted")
)

// Configuration-related sentinel errors
var (
	// ErrMalformedPattern indicates a rename pattern cannot be used.
	ErrMalformedPattern = New("malformed pattern")
	// ErrUnknownStepType indicates a step type outside the supported set.
	ErrUnknownStepType = New("unknown step type")
	// ErrDuplicateTaskID indicates two enabled tasks share an ID.
	ErrDuplicateTaskID = New("duplicate task id")
)

// State-related sentinel errors
var (
	// ErrRunNotFound indicates that a run could not be found.
	ErrRunNotFound = New("run not found")
	// ErrInvalidTransition indicates a backward or illegal run status change.
	ErrInvalidTransition = New("invalid status transition")
	// ErrStoreLocked indicates another process holds the state store.
	ErrStoreLocked = New("state store is locked by another process")
	// ErrDirectoryMissing indicates a watched directory does not exist.
	ErrDirectoryMissing = New("watched directory missing")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SluiceError is the base interface for all sluice errors.
type SluiceError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigurationError reports an invalid task definition. The task it names is
// excluded from scheduling; other tasks keep running.
//
// Example:
//
//	err := errors.NewConfigurationError("unknown step type", errors.ErrUnknownStepType).
//		WithTaskID("invoices").WithField("pipeline[2].type")
//	fmt.Println(err) // "configuration error [task=invoices, field=pipeline[2].type]: unknown step type: unknown step type"
type ConfigurationError struct {
	baseError
	TaskID string
	Field  string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *ConfigurationError) WithTaskID(id string) *ConfigurationError {
	e.TaskID = id
	return e
}

// WithField adds the offending field path to the error context.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return e.format("configuration error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransientIOError reports a failure that may succeed on retry: a busy file,
// a full disk, an unreachable device.
type TransientIOError struct {
	baseError
	Path string
}

// NewTransientIOError creates a new TransientIOError.
func NewTransientIOError(message string, cause error) *TransientIOError {
	return &TransientIOError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithPath adds the affected path to the error context.
func (e *TransientIOError) WithPath(path string) *TransientIOError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *TransientIOError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("transient io error", parts)
}

// Is checks if this error matches the target.
func (e *TransientIOError) Is(target error) bool {
	if _, ok := target.(*TransientIOError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PermanentStepError reports a step failure that retrying cannot fix.
//
// Example:
//
//	err := errors.NewPermanentStepError("device not registered", errors.ErrUnknownDevice).
//		WithStep(2, "print")
type PermanentStepError struct {
	baseError
	StepIndex int
	StepType  string
	hasStep   bool
}

// NewPermanentStepError creates a new PermanentStepError.
func NewPermanentStepError(message string, cause error) *PermanentStepError {
	return &PermanentStepError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithStep adds the step position and type to the error context.
func (e *PermanentStepError) WithStep(index int, stepType string) *PermanentStepError {
	e.StepIndex = index
	e.StepType = stepType
	e.hasStep = true
	return e
}

// Error returns the formatted error message.
func (e *PermanentStepError) Error() string {
	var parts []string
	if e.hasStep {
		parts = append(parts, fmt.Sprintf("step=%d", e.StepIndex))
	}
	if e.StepType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.StepType))
	}
	return e.format("permanent step error", parts)
}

// Is checks if this error matches the target.
func (e *PermanentStepError) Is(target error) bool {
	if _, ok := target.(*PermanentStepError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DuplicateEventError reports an event for a path that already has a
// non-terminal run. It is logged at debug level and dropped.
type DuplicateEventError struct {
	baseError
	TaskID     string
	SourcePath string
}

// NewDuplicateEventError creates a new DuplicateEventError.
func NewDuplicateEventError(taskID, sourcePath string) *DuplicateEventError {
	return &DuplicateEventError{
		baseError: baseError{
			message:  "active run already exists",
			severity: SeverityDebug,
		},
		TaskID:     taskID,
		SourcePath: sourcePath,
	}
}

// Error returns the formatted error message.
func (e *DuplicateEventError) Error() string {
	return e.format("duplicate event", []string{
		fmt.Sprintf("task=%s", e.TaskID),
		fmt.Sprintf("path=%s", e.SourcePath),
	})
}

// Is checks if this error matches the target.
func (e *DuplicateEventError) Is(target error) bool {
	if _, ok := target.(*DuplicateEventError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StateStoreError reports a persistence failure. Store calls are retried
// before this surfaces to the engine.
type StateStoreError struct {
	baseError
	Operation string
	RunID     string
}

// NewStateStoreError creates a new StateStoreError.
func NewStateStoreError(operation string, cause error) *StateStoreError {
	return &StateStoreError{
		baseError: baseError{
			message:   "state store operation failed",
			cause:     cause,
			severity:  SeverityCritical,
			retryable: true,
		},
		Operation: operation,
	}
}

// WithRunID adds a run ID to the error context.
func (e *StateStoreError) WithRunID(id string) *StateStoreError {
	e.RunID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StateStoreError) WithRetryable(r bool) *StateStoreError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StateStoreError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	return e.format("state store error", parts)
}

// Is checks if this error matches the target.
func (e *StateStoreError) Is(target error) bool {
	if _, ok := target.(*StateStoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "9b1c...")
//	fmt.Println(err) // "run '9b1c...' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds the field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Errors that do not implement SluiceError are
// never retryable; wrap them with ClassifyIO first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sluiceErr SluiceError
	if As(err, &sluiceErr) {
		return sluiceErr.IsRetryable()
	}
	return false
}

// IsPermanent is the inverse of IsRetryable for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var sluiceErr SluiceError
	if As(err, &sluiceErr) {
		return sluiceErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SluiceError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var sluiceErr SluiceError
	if As(err, &sluiceErr) {
		return sluiceErr.Severity()
	}
	return SeverityError
}

// ClassifyIO wraps a raw filesystem error according to the failure taxonomy.
// A missing file is permanent (nothing will bring it back), context
// cancellation is passed through untouched, and every other I/O failure is
// transient.
func ClassifyIO(err error, message, path string) error {
	if err == nil {
		return nil
	}
	var sluiceErr SluiceError
	if As(err, &sluiceErr) {
		return err
	}
	if Is(err, context.Canceled) || Is(err, context.DeadlineExceeded) {
		return err
	}
	if Is(err, fs.ErrNotExist) {
		return NewPermanentStepError(message, Join(ErrSourceMissing, err))
	}
	if Is(err, syscall.EISDIR) || Is(err, fs.ErrInvalid) {
		return NewPermanentStepError(message, err)
	}
	return NewTransientIOError(message, err).WithPath(path)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
