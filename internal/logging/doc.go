// Package logging provides structured logging for the sluice engine.
//
// This package wraps Go's log/slog to provide JSON-formatted logs. Every
// component receives a child logger carrying its context, so a single run can
// be followed through the watcher, dispatcher, runner, and dead-letter
// handler by filtering on run_id.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (task ID, run ID, step index and type, component)
//   - Size-based log rotation with optional gzip compression
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/sluice", "INFO",
//	    logging.WithRotation(logging.RotationConfig{MaxSizeMB: 10, MaxBackups: 3}))
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithTask("invoices").WithRun(run.ID)
//	runLog.WithStep(0, "copy").Info("step succeeded", "attempts", 1)
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a buffer to
// assert on emitted entries.
package logging
