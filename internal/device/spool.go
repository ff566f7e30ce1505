package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/fsutil"
)

// Spool drops jobs into a directory watched by a print spooler. Each copy
// becomes one file named "<job>-<n>-<base>".
type Spool struct {
	name string
	dir  string
}

// NewSpool creates a Spool device writing into dir.
func NewSpool(name, dir string) *Spool {
	return &Spool{name: name, dir: dir}
}

// Name implements Device.
func (s *Spool) Name() string { return s.name }

// Submit implements Device.
func (s *Spool) Submit(ctx context.Context, job Job) (string, error) {
	info, err := os.Stat(s.dir)
	if err != nil {
		return "", unavailable(s.name, err)
	}
	if !info.IsDir() {
		return "", unavailable(s.name, fmt.Errorf("%s is not a directory", s.dir))
	}

	base := filepath.Base(job.Path)
	for n := 1; n <= copies(job.Copies); n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(s.dir, fmt.Sprintf("%s-%d-%s", job.ID, n, base))
		if err := fsutil.CopyFile(job.Path, dst, fsutil.CopyOptions{Atomic: true, NoClobber: true}); err != nil {
			return "", errors.ClassifyIO(err, "spool job", job.Path)
		}
	}
	return job.ID, nil
}

// Close implements Device.
func (s *Spool) Close() error { return nil }
