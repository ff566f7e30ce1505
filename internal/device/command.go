package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// FilePlaceholder is replaced by the job's file path in command arguments.
const FilePlaceholder = "{file}"

// Command submits jobs by running an external program such as lp(1) once
// per copy.
type Command struct {
	name string
	argv []string
}

// NewCommand creates a Command device. If no argument contains
// FilePlaceholder the path is appended.
func NewCommand(name string, argv []string) *Command {
	return &Command{name: name, argv: append([]string(nil), argv...)}
}

// Name implements Device.
func (c *Command) Name() string { return c.name }

func (c *Command) args(path string) []string {
	out := make([]string, 0, len(c.argv)+1)
	found := false
	for _, a := range c.argv {
		if strings.Contains(a, FilePlaceholder) {
			found = true
			a = strings.ReplaceAll(a, FilePlaceholder, path)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, path)
	}
	return out
}

// Submit implements Device. The job reference is the trimmed stdout of the
// last invocation, or the job ID when the program prints nothing.
func (c *Command) Submit(ctx context.Context, job Job) (string, error) {
	args := c.args(job.Path)
	if _, err := exec.LookPath(args[0]); err != nil {
		return "", unavailable(c.name, err)
	}

	ref := job.ID
	for n := 1; n <= copies(job.Copies); n++ {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Env = append(cmd.Environ(),
			"SLUICE_JOB_ID="+job.ID,
			"SLUICE_RUN_ID="+job.RunID,
			"SLUICE_TASK_ID="+job.TaskID,
		)
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			return "", errors.NewTransientIOError(
				fmt.Sprintf("device %q command failed: %s", c.name, msg), err).WithPath(job.Path)
		}
		if out := strings.TrimSpace(stdout.String()); out != "" {
			ref = out
		}
	}
	return ref, nil
}

// Close implements Device.
func (c *Command) Close() error { return nil }
