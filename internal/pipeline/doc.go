// Package pipeline executes a task's ordered steps against one file.
//
// A [Runner] takes an admitted [model.PipelineRun] and walks its steps in
// order, tracking where the file currently lives. Each step runs under the
// retry controller with the step's own policy, and the run is written
// through to the state store after every step so that a crash loses at most
// the step in progress.
//
// # Step Kinds
//
// Steps are dispatched by an exhaustive switch over the sealed
// [model.Action] variants:
//
//   - copy, move, archive: translate the name, resolve conflicts, and place
//     the file durably. Placement claims the destination path in a shared
//     [filelock.Registry] so two runs never write the same path at once.
//   - print: submit the file to a named [device.Device].
//   - delete: remove the file, optionally overwriting it first.
//   - decision: evaluate a [model.Condition]; false ends the run early as a
//     skipped success.
//
// # Failure
//
// A permanent error, or a transient one that outlives its retries, marks
// the run failed and hands it to the dead-letter handler, which finalizes
// it. Cancelling the context interrupts the run and leaves it running in
// the store; startup reconciliation picks it up.
//
// # Usage
//
//	r, err := pipeline.NewRunner(pipeline.Config{
//	    Store:      st,
//	    Bus:        bus,
//	    Devices:    devices,
//	    DeadLetter: dl,
//	})
//	err = r.Execute(ctx, task.Pipeline, run)
package pipeline
