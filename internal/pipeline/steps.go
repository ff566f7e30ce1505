package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sluice/internal/conflict"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/translate"
)

// outcome is what a successful step did to the file.
type outcome struct {
	// path is the file the step produced or acted on.
	path string
	// relocated means path is the new current location.
	relocated bool
	// removed means the current file no longer exists.
	removed bool
	skipped bool
	// stop ends the run early as a success.
	stop bool
	note string
}

// exec performs one attempt of step against the run's current file.
func (r *Runner) exec(ctx context.Context, run *model.PipelineRun, step model.StepDefinition) (outcome, error) {
	current := run.CurrentPath
	switch a := step.Action.(type) {
	case model.CopyAction:
		return r.transfer(run, current, a.Destination, a.TransferAction, false)
	case model.MoveAction:
		return r.transfer(run, current, a.Destination, a.TransferAction, true)
	case model.ArchiveAction:
		dir := filepath.Join(a.Destination, a.Period.Subfolder(run.StartedAt))
		return r.transfer(run, current, dir, a.TransferAction, false)
	case model.PrintAction:
		return r.print(ctx, run, current, a)
	case model.DeleteAction:
		return r.delete(current, a)
	case model.DecisionAction:
		return r.decide(current, a)
	default:
		return outcome{}, errors.NewPermanentStepError(
			fmt.Sprintf("no executor for step type %q", step.Type), errors.ErrUnknownStepType)
	}
}

func requireCurrent(current string) error {
	if current == "" {
		return errors.NewPermanentStepError("no current file: it was deleted by an earlier step", errors.ErrSourceMissing)
	}
	return nil
}

// transfer copies or moves current into dir. The destination name is
// claimed for the duration of the write; a name held by another run counts
// as taken.
func (r *Runner) transfer(run *model.PipelineRun, current, dir string, t model.TransferAction, move bool) (outcome, error) {
	if err := requireCurrent(current); err != nil {
		return outcome{}, err
	}
	if _, err := os.Stat(current); err != nil {
		return outcome{}, errors.ClassifyIO(err, "stat source", current)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return outcome{}, errors.ClassifyIO(err, "create destination directory", dir)
	}

	strategy := t.Conflict
	if strategy == "" {
		strategy = model.ConflictRename
	}
	dst := translate.Destination(dir, filepath.Base(current), t.Pattern)
	owner := run.ID
	resolver := conflict.NewResolver(conflict.WithExists(func(p string) (bool, error) {
		if holder, ok := r.claims.Owner(p); ok && holder != owner {
			return true, nil
		}
		return fsutil.Exists(p)
	}))

	opts := fsutil.CopyOptions{Atomic: t.Atomic, VerifyChecksum: t.VerifyChecksum}
	res, err := resolver.Place(dst, strategy, func(target string, noClobber bool) error {
		if err := r.claims.Claim(owner, target); err != nil {
			if noClobber {
				return errors.Join(fs.ErrExist, err)
			}
			return errors.NewTransientIOError("destination is being written by another run", err).WithPath(target)
		}
		defer func() { _ = r.claims.Release(owner, target) }()

		o := opts
		o.NoClobber = noClobber
		if move {
			return fsutil.MoveFile(current, target, o)
		}
		return fsutil.CopyFile(current, target, o)
	})
	if err != nil {
		op := "copy"
		if move {
			op = "move"
		}
		return outcome{}, errors.ClassifyIO(err, op+" "+filepath.Base(current), dst)
	}
	if res.Skip {
		return outcome{
			path:    current,
			skipped: true,
			note:    fmt.Sprintf("destination %s exists", res.Path),
		}, nil
	}
	return outcome{path: res.Path, relocated: true}, nil
}

func (r *Runner) print(ctx context.Context, run *model.PipelineRun, current string, a model.PrintAction) (outcome, error) {
	if err := requireCurrent(current); err != nil {
		return outcome{}, err
	}
	if _, err := os.Stat(current); err != nil {
		return outcome{}, errors.ClassifyIO(err, "stat print input", current)
	}
	dev, err := r.devices.Get(a.Device)
	if err != nil {
		return outcome{}, err
	}
	job := device.Job{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		TaskID:      run.TaskID,
		Path:        current,
		Copies:      a.Copies,
		SubmittedAt: r.now(),
	}
	ref, err := dev.Submit(ctx, job)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		path: current,
		note: fmt.Sprintf("submitted to %s as %s", a.Device, ref),
	}, nil
}

func (r *Runner) delete(current string, a model.DeleteAction) (outcome, error) {
	if err := requireCurrent(current); err != nil {
		return outcome{}, err
	}
	var err error
	if a.Secure {
		err = fsutil.SecureRemove(current)
	} else {
		err = fsutil.Remove(current)
	}
	if err != nil {
		return outcome{}, errors.ClassifyIO(err, "delete", current)
	}
	return outcome{path: current, removed: true}, nil
}

func (r *Runner) decide(current string, a model.DecisionAction) (outcome, error) {
	if err := requireCurrent(current); err != nil {
		return outcome{}, err
	}
	info, err := os.Stat(current)
	if err != nil {
		return outcome{}, errors.ClassifyIO(err, "stat decision input", current)
	}
	ok, err := Evaluate(a.Condition, current, info, r.now())
	if err != nil {
		return outcome{}, err
	}
	if ok {
		return outcome{path: current}, nil
	}
	return outcome{
		path:    current,
		skipped: true,
		stop:    true,
		note:    fmt.Sprintf("condition %s %s %q is false", a.Condition.Field, a.Condition.Operator, a.Condition.Value),
	}, nil
}
