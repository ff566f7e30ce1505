// Package conflict decides what happens when a step's destination path is
// already occupied.
package conflict

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/model"
)

// DefaultMaxRenames bounds the suffix search of the rename strategy.
const DefaultMaxRenames = 10000

// Resolution is the outcome of resolving a destination.
type Resolution struct {
	// Path is where the file should be written.
	Path string
	// Skip means the destination exists and must be left untouched; the
	// step succeeds without writing.
	Skip bool
	// Replace means an existing file at Path may be overwritten.
	Replace bool
}

// PlaceFunc writes the file to dst. When noClobber is set it must fail with
// an error satisfying errors.Is(err, fs.ErrExist) instead of replacing an
// existing file.
type PlaceFunc func(dst string, noClobber bool) error

// Resolver applies conflict strategies against the filesystem.
type Resolver struct {
	exists     func(string) (bool, error)
	maxRenames int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExists overrides the presence check.
func WithExists(fn func(string) (bool, error)) Option {
	return func(r *Resolver) { r.exists = fn }
}

// WithMaxRenames bounds how many suffixes the rename strategy tries.
func WithMaxRenames(n int) Option {
	return func(r *Resolver) { r.maxRenames = n }
}

// NewResolver creates a Resolver that checks presence with lstat(2).
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		exists:     fsutil.Exists,
		maxRenames: DefaultMaxRenames,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes where a file destined for path should go.
func (r *Resolver) Resolve(path string, strategy model.ConflictStrategy) (Resolution, error) {
	exists, err := r.exists(path)
	if err != nil {
		return Resolution{}, errors.ClassifyIO(err, "check destination", path)
	}
	if !exists {
		return Resolution{Path: path, Replace: strategy == model.ConflictOverwrite}, nil
	}

	switch strategy {
	case model.ConflictOverwrite:
		return Resolution{Path: path, Replace: true}, nil
	case model.ConflictSkip:
		return Resolution{Path: path, Skip: true}, nil
	case model.ConflictFail:
		return Resolution{}, errors.NewPermanentStepError(
			fmt.Sprintf("destination %s exists", path), errors.ErrDestinationExists)
	case model.ConflictRename:
		free, err := r.nextFree(path)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Path: free}, nil
	default:
		return Resolution{}, errors.NewConfigurationError(
			fmt.Sprintf("unknown conflict strategy %q", strategy), errors.ErrInvalidInput)
	}
}

// nextFree returns name_N.ext for the lowest N >= 1 that does not exist.
func (r *Resolver) nextFree(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := 1; n <= r.maxRenames; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		exists, err := r.exists(candidate)
		if err != nil {
			return "", errors.ClassifyIO(err, "check destination", candidate)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", errors.NewTransientIOError(
		fmt.Sprintf("no free name after %d attempts", r.maxRenames), errors.ErrDestinationExists).WithPath(path)
}

// Place resolves path and invokes place with the result. Every strategy
// except overwrite writes with noClobber; if another writer claims the
// resolved name first, resolution is repeated so an existing file is never
// replaced. The returned Resolution describes where the file ended up.
func (r *Resolver) Place(path string, strategy model.ConflictStrategy, place PlaceFunc) (Resolution, error) {
	for attempt := 0; attempt <= r.maxRenames; attempt++ {
		res, err := r.Resolve(path, strategy)
		if err != nil {
			return Resolution{}, err
		}
		if res.Skip {
			return res, nil
		}
		err = place(res.Path, !res.Replace)
		if err == nil {
			return res, nil
		}
		if !res.Replace && errors.Is(err, fs.ErrExist) {
			continue
		}
		return Resolution{}, err
	}
	return Resolution{}, errors.NewTransientIOError("destination kept changing during placement", errors.ErrDestinationExists).WithPath(path)
}
