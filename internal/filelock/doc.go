// Package filelock provides the two exclusion mechanisms the scheduler
// relies on.
//
// [FileLock] is a flock(2) lock on a file next to the state database. The
// run command takes it at startup; a second scheduler against the same
// database fails fast with [ErrLocked].
//
// [Registry] is an in-process table of destination paths currently being
// written, keyed by run ID. The pipeline claims a resolved destination
// before placing a file and releases it afterwards, and the conflict
// resolver treats claimed paths as occupied.
package filelock
