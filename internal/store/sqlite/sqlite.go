// Package sqlite implements store.Store on a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	enabled    INTEGER NOT NULL,
	definition TEXT NOT NULL,
	loaded_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL,
	source_path      TEXT NOT NULL,
	status           TEXT NOT NULL,
	event            TEXT NOT NULL,
	started_at       INTEGER NOT NULL,
	completed_at     INTEGER,
	step_results     TEXT NOT NULL,
	error_message    TEXT NOT NULL DEFAULT '',
	failed_step      INTEGER,
	skipped          INTEGER NOT NULL DEFAULT 0,
	current_path     TEXT NOT NULL DEFAULT '',
	dead_letter_path TEXT NOT NULL DEFAULT '',
	updated_at       INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_one_active
	ON runs (task_id, source_path) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS runs_task_started ON runs (task_id, started_at);
CREATE INDEX IF NOT EXISTS runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS watcher_state (
	task_id    TEXT PRIMARY KEY,
	directory  TEXT NOT NULL,
	status     TEXT NOT NULL,
	high_water INTEGER NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

const runColumns = `id, task_id, status, event, started_at, completed_at, step_results,
	error_message, failed_step, skipped, current_path, dead_letter_path`

// Store is a store.Store backed by SQLite in WAL mode. A single connection
// serializes writers inside the process.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewStateStoreError("open", err).WithRetryable(false)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewStateStoreError("open", err).WithRetryable(false)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewStateStoreError("migrate", err).WithRetryable(false)
	}
	return &Store{db: db, now: time.Now}, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SaveTask implements store.Store.
func (s *Store) SaveTask(ctx context.Context, task model.TaskDefinition) error {
	def, err := json.Marshal(task)
	if err != nil {
		return errors.NewStateStoreError("save_task", err).WithRetryable(false)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, enabled, definition, loaded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			definition = excluded.definition,
			loaded_at = excluded.loaded_at`,
		task.ID, task.Enabled, string(def), s.now().UnixNano())
	if err != nil {
		return errors.NewStateStoreError("save_task", err)
	}
	return nil
}

// UpsertRun implements store.Store. The transition check and the write
// happen in one transaction.
func (s *Store) UpsertRun(ctx context.Context, run *model.PipelineRun) error {
	if !run.Status.Valid() {
		return errors.NewValidationError("unknown run status").WithField("status").WithValue(run.Status)
	}
	event, err := json.Marshal(run.Event)
	if err != nil {
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID).WithRetryable(false)
	}
	results := run.StepResults
	if results == nil {
		results = []model.StepResult{}
	}
	steps, err := json.Marshal(results)
	if err != nil {
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID).WithRetryable(false)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, run.ID).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID)
	case !model.RunStatus(prev).CanTransition(run.Status):
		return fmt.Errorf("run %s: %s -> %s: %w", run.ID, prev, run.Status, errors.ErrInvalidTransition)
	}

	if run.Status.IsActive() {
		var other string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM runs
			WHERE task_id = ? AND source_path = ? AND status IN ('pending', 'running') AND id != ?`,
			run.TaskID, run.Event.SourcePath, run.ID).Scan(&other)
		if err == nil {
			return errors.NewDuplicateEventError(run.TaskID, run.Event.SourcePath)
		}
		if err != sql.ErrNoRows {
			return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID)
		}
	}

	var completed, failed sql.NullInt64
	if run.CompletedAt != nil {
		completed = sql.NullInt64{Int64: run.CompletedAt.UnixNano(), Valid: true}
	}
	if run.FailedStep != nil {
		failed = sql.NullInt64{Int64: int64(*run.FailedStep), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, source_path, status, event, started_at, completed_at,
			step_results, error_message, failed_step, skipped, current_path, dead_letter_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			event = excluded.event,
			completed_at = excluded.completed_at,
			step_results = excluded.step_results,
			error_message = excluded.error_message,
			failed_step = excluded.failed_step,
			skipped = excluded.skipped,
			current_path = excluded.current_path,
			dead_letter_path = excluded.dead_letter_path,
			updated_at = excluded.updated_at`,
		run.ID, run.TaskID, run.Event.SourcePath, string(run.Status), string(event),
		nanos(run.StartedAt), completed, string(steps), run.ErrorMessage, failed,
		run.Skipped, run.CurrentPath, run.DeadLetterPath, s.now().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewDuplicateEventError(run.TaskID, run.Event.SourcePath)
		}
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStateStoreError("upsert_run", err).WithRunID(run.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.PipelineRun, error) {
	var (
		run               model.PipelineRun
		status, event     string
		steps             string
		started           int64
		completed, failed sql.NullInt64
		skipped           bool
	)
	err := row.Scan(&run.ID, &run.TaskID, &status, &event, &started, &completed, &steps,
		&run.ErrorMessage, &failed, &skipped, &run.CurrentPath, &run.DeadLetterPath)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.StartedAt = fromNanos(started)
	run.Skipped = skipped
	if completed.Valid {
		t := fromNanos(completed.Int64)
		run.CompletedAt = &t
	}
	if failed.Valid {
		i := int(failed.Int64)
		run.FailedStep = &i
	}
	if err := json.Unmarshal([]byte(event), &run.Event); err != nil {
		return nil, fmt.Errorf("decode event of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &run.StepResults); err != nil {
		return nil, fmt.Errorf("decode step results of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run", id).WithCause(errors.ErrRunNotFound)
	}
	if err != nil {
		return nil, errors.NewStateStoreError("get_run", err).WithRunID(id)
	}
	return run, nil
}

// ListRuns implements store.Store.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.PipelineRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SourcePath != "" {
		where = append(where, "source_path = ?")
		args = append(args, filter.SourcePath)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStateStoreError("list_runs", err)
	}
	defer rows.Close()

	var out []*model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.NewStateStoreError("list_runs", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStateStoreError("list_runs", err)
	}
	return out, nil
}

// ExistsActiveRun implements store.Store.
func (s *Store) ExistsActiveRun(ctx context.Context, taskID, sourcePath string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE task_id = ? AND source_path = ? AND status IN ('pending', 'running')`,
		taskID, sourcePath).Scan(&n)
	if err != nil {
		return false, errors.NewStateStoreError("exists_active_run", err)
	}
	return n > 0, nil
}

// UpsertWatcherState implements store.Store.
func (s *Store) UpsertWatcherState(ctx context.Context, st model.WatcherState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watcher_state (task_id, directory, status, high_water, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			directory = excluded.directory,
			status = excluded.status,
			high_water = excluded.high_water,
			detail = excluded.detail,
			updated_at = excluded.updated_at`,
		st.TaskID, st.Directory, string(st.Status), nanos(st.HighWater), st.Detail, nanos(st.UpdatedAt))
	if err != nil {
		return errors.NewStateStoreError("upsert_watcher_state", err)
	}
	return nil
}

// GetWatcherState implements store.Store.
func (s *Store) GetWatcherState(ctx context.Context, taskID string) (model.WatcherState, bool, error) {
	var (
		st        model.WatcherState
		status    string
		highWater int64
		updated   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, directory, status, high_water, detail, updated_at
		FROM watcher_state WHERE task_id = ?`, taskID).
		Scan(&st.TaskID, &st.Directory, &status, &highWater, &st.Detail, &updated)
	if err == sql.ErrNoRows {
		return model.WatcherState{}, false, nil
	}
	if err != nil {
		return model.WatcherState{}, false, errors.NewStateStoreError("get_watcher_state", err)
	}
	st.Status = model.WatcherStatus(status)
	st.HighWater = fromNanos(highWater)
	st.UpdatedAt = fromNanos(updated)
	return st, true, nil
}

// ReconcileInterrupted implements store.Store.
func (s *Store) ReconcileInterrupted(ctx context.Context, now time.Time) ([]*model.PipelineRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewStateStoreError("reconcile_interrupted", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status IN ('pending', 'running') ORDER BY started_at`)
	if err != nil {
		return nil, errors.NewStateStoreError("reconcile_interrupted", err)
	}
	var runs []*model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, errors.NewStateStoreError("reconcile_interrupted", err)
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.NewStateStoreError("reconcile_interrupted", err)
	}

	for _, run := range runs {
		completed := now
		run.Status = model.RunFailed
		run.ErrorMessage = store.InterruptedMessage
		run.CompletedAt = &completed
		_, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(model.RunFailed), store.InterruptedMessage, now.UnixNano(), s.now().UnixNano(), run.ID)
		if err != nil {
			return nil, errors.NewStateStoreError("reconcile_interrupted", err).WithRunID(run.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewStateStoreError("reconcile_interrupted", err)
	}
	return runs, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
