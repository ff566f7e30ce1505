// Package deadletter relocates the input of an exhausted run to the
// dead-letter directory, records why, and finalizes the run.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/sluice/internal/conflict"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/retry"
	"github.com/Iron-Ham/sluice/internal/store"
)

// Layout selects how artifacts are grouped under the dead-letter directory.
type Layout string

const (
	// LayoutFlat puts every artifact directly in the directory.
	LayoutFlat Layout = "flat"
	// LayoutTask groups artifacts per task ID.
	LayoutTask Layout = "task"
	// LayoutRun groups artifacts per task ID and run ID.
	LayoutRun Layout = "run"
)

// Valid reports whether l is a known layout.
func (l Layout) Valid() bool {
	return l == LayoutFlat || l == LayoutTask || l == LayoutRun
}

// Record is the content of an artifact's sidecar file.
type Record struct {
	RunID          string         `json:"run_id"`
	TaskID         string         `json:"task_id"`
	SourcePath     string         `json:"source_path"`
	CurrentPath    string         `json:"current_path,omitempty"`
	Artifact       string         `json:"artifact"`
	StepIndex      int            `json:"step_index"`
	StepType       model.StepType `json:"step_type,omitempty"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error"`
	FailedAt       time.Time      `json:"failed_at"`
	ContentMissing bool           `json:"content_missing,omitempty"`
}

// Result describes a completed hand-off.
type Result struct {
	Path           string
	SidecarPath    string
	ContentMissing bool
}

// Handler dead-letters runs. It is safe for concurrent use.
type Handler struct {
	dir      string
	layout   Layout
	store    store.Store
	logger   *logging.Logger
	now      func() time.Time
	policy   retry.Policy
	resolver *conflict.Resolver
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithRetry sets the policy for relocation attempts.
func WithRetry(p retry.Policy) Option {
	return func(h *Handler) { h.policy = p }
}

// New creates a Handler writing under dir.
func New(dir string, layout Layout, st store.Store, opts ...Option) *Handler {
	if !layout.Valid() {
		layout = LayoutTask
	}
	h := &Handler{
		dir:    dir,
		layout: layout,
		store:  st,
		logger: logging.NopLogger(),
		now:    time.Now,
		policy: retry.Policy{MaxRetries: 3, Backoff: 100 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("deadletter")
	// An artifact name is taken if either the artifact or its sidecar exists.
	h.resolver = conflict.NewResolver(conflict.WithExists(func(p string) (bool, error) {
		if ok, err := fsutil.Exists(p); ok || err != nil {
			return ok, err
		}
		return fsutil.Exists(p + fsutil.SidecarSuffix)
	}))
	return h
}

// Dir returns the directory for a run under the configured layout.
func (h *Handler) Dir(run *model.PipelineRun) string {
	switch h.layout {
	case LayoutFlat:
		return h.dir
	case LayoutRun:
		return filepath.Join(h.dir, run.TaskID, run.ID)
	default:
		return filepath.Join(h.dir, run.TaskID)
	}
}

// Handle relocates currentPath into the dead-letter directory, writes the
// sidecar, and persists the run as deadlettered. The run must be failed.
// If the file is already gone the sidecar is written alone with
// ContentMissing set. An existing artifact is never overwritten.
func (h *Handler) Handle(ctx context.Context, run *model.PipelineRun, currentPath string, stepIndex int, cause error) (Result, error) {
	if run.Status != model.RunFailed {
		return Result{}, fmt.Errorf("dead-letter run %s in status %s: %w", run.ID, run.Status, errors.ErrInvalidTransition)
	}
	logger := h.logger.WithTask(run.TaskID).WithRun(run.ID)

	dir := h.Dir(run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, errors.ClassifyIO(err, "create dead-letter directory", dir)
	}

	// A previous attempt may have relocated the content and written the
	// sidecar but failed to persist the run. Finish that hand-off instead
	// of producing a second artifact.
	if res, ok, err := h.existing(dir, run.ID); err != nil {
		return Result{}, errors.ClassifyIO(err, "scan dead-letter directory", dir)
	} else if ok {
		logger.Info("resuming dead-letter hand-off", "artifact", res.Path)
		return h.finalize(ctx, run, res)
	}

	missing := currentPath == ""
	if !missing {
		ok, err := fsutil.Exists(currentPath)
		if err != nil {
			return Result{}, errors.ClassifyIO(err, "check dead-letter input", currentPath)
		}
		missing = !ok
	}

	name := filepath.Base(run.SourcePath())
	if !missing {
		name = filepath.Base(currentPath)
	}
	target := filepath.Join(dir, name)

	var res Result
	_, err := retry.Do(ctx, h.policy, func(int) error {
		var placeErr error
		res, placeErr = h.place(currentPath, target, missing)
		return placeErr
	})
	if err != nil {
		logger.Error("dead-letter relocation failed", "path", currentPath, "error", err.Error())
		return Result{}, err
	}

	rec := Record{
		RunID:          run.ID,
		TaskID:         run.TaskID,
		SourcePath:     run.SourcePath(),
		CurrentPath:    currentPath,
		Artifact:       res.Path,
		StepIndex:      stepIndex,
		FailedAt:       h.now(),
		ContentMissing: res.ContentMissing,
	}
	if cause != nil {
		rec.Error = cause.Error()
	} else {
		rec.Error = run.ErrorMessage
	}
	if stepIndex >= 0 && stepIndex < len(run.StepResults) {
		rec.StepType = run.StepResults[stepIndex].Type
		rec.Attempts = run.StepResults[stepIndex].Attempts
	}
	res.SidecarPath = res.Path + fsutil.SidecarSuffix
	if err := writeSidecar(res.SidecarPath, rec); err != nil {
		logger.Error("writing dead-letter sidecar failed", "path", res.SidecarPath, "error", err.Error())
		return Result{}, errors.ClassifyIO(err, "write sidecar", res.SidecarPath)
	}

	if _, err := h.finalize(ctx, run, res); err != nil {
		return res, err
	}
	logger.Warn("run dead-lettered",
		"artifact", res.Path,
		"step", stepIndex,
		"content_missing", res.ContentMissing,
		"error", rec.Error)
	return res, nil
}

// finalize persists run as deadlettered at res.
func (h *Handler) finalize(ctx context.Context, run *model.PipelineRun, res Result) (Result, error) {
	run.DeadLetterPath = res.Path
	run.Status = model.RunDeadLettered
	if run.CompletedAt == nil {
		t := h.now()
		run.CompletedAt = &t
	}
	if err := h.store.UpsertRun(ctx, run); err != nil {
		return res, err
	}
	return res, nil
}

// existing finds a sidecar in dir already written for runID.
func (h *Handler) existing(dir, runID string) (Result, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, false, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fsutil.SidecarSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rec, err := ReadRecord(path)
		if err != nil {
			h.logger.Debug("skipping unreadable sidecar", "path", path, "error", err.Error())
			continue
		}
		if rec.RunID == runID {
			return Result{
				Path:           strings.TrimSuffix(path, fsutil.SidecarSuffix),
				SidecarPath:    path,
				ContentMissing: rec.ContentMissing,
			}, true, nil
		}
	}
	return Result{}, false, nil
}

// place moves src to target or, for missing content, reserves a name for
// the sidecar alone.
func (h *Handler) place(src, target string, missing bool) (Result, error) {
	if missing {
		resolved, err := h.resolver.Resolve(target, model.ConflictRename)
		if err != nil {
			return Result{}, err
		}
		return Result{Path: resolved.Path, ContentMissing: true}, nil
	}

	resolved, err := h.resolver.Place(target, model.ConflictRename, func(dst string, noClobber bool) error {
		return fsutil.MoveFile(src, dst, fsutil.CopyOptions{NoClobber: noClobber})
	})
	if err != nil {
		return Result{}, errors.ClassifyIO(err, "relocate to dead-letter", src)
	}
	return Result{Path: resolved.Path}, nil
}

func writeSidecar(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fsutil.TempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return fsutil.SyncDir(dir)
}

// ReadRecord loads a sidecar.
func ReadRecord(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}
