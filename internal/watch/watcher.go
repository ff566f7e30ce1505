// Package watch turns filesystem notifications for one directory into
// stabilized file events.
//
// A Watcher owns all of its bookkeeping inside the goroutine that calls
// Run. Results leave only through the Events and States channels.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/fsutil"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
)

// DefaultPollInterval is how often candidates are re-examined.
const DefaultPollInterval = 200 * time.Millisecond

// candidate tracks a path between its first notification and emission.
type candidate struct {
	size        int64
	modTime     time.Time
	detectedAt  time.Time
	lastNotify  time.Time
	stableSince time.Time
}

// Watcher watches one directory for one task.
type Watcher struct {
	taskID  string
	spec    model.WatchSpec
	matcher glob.Glob
	poll    time.Duration
	logger  *logging.Logger
	stat    func(string) (fs.FileInfo, error)
	now     func() time.Time

	events chan model.FileEvent
	states chan model.WatcherState

	// Owned by the Run goroutine.
	fsw        *fsnotify.Watcher
	status     model.WatcherStatus
	highWater  time.Time
	candidates map[string]*candidate
	tombstones map[string]time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval sets how often candidates are re-examined.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithHighWater sets the latest modification time already emitted in a
// previous process. Startup and recovery scans skip files at or before it.
func WithHighWater(t time.Time) Option {
	return func(w *Watcher) { w.highWater = t }
}

// New validates the watch spec and builds a Watcher. Nothing is watched
// until Run is called.
func New(taskID string, spec model.WatchSpec, opts ...Option) (*Watcher, error) {
	pattern := spec.Glob
	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("invalid glob %q", spec.Glob), err).
			WithTaskID(taskID).WithField("watch.glob")
	}
	if spec.Directory == "" {
		return nil, errors.NewConfigurationError("watch directory is required", errors.ErrInvalidInput).
			WithTaskID(taskID).WithField("watch.directory")
	}

	w := &Watcher{
		taskID:     taskID,
		spec:       spec,
		matcher:    matcher,
		poll:       DefaultPollInterval,
		logger:     logging.NopLogger(),
		stat:       os.Stat,
		now:        time.Now,
		events:     make(chan model.FileEvent),
		states:     make(chan model.WatcherState, 16),
		candidates: make(map[string]*candidate),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.spec.Directory = filepath.Clean(spec.Directory)
	w.logger = w.logger.WithTask(taskID).WithComponent("watch")
	return w, nil
}

// Events delivers stabilized file events. It is closed when Run returns.
func (w *Watcher) Events() <-chan model.FileEvent {
	return w.events
}

// States delivers watcher state changes, including high-water updates.
// It is closed when Run returns.
func (w *Watcher) States() <-chan model.WatcherState {
	return w.states
}

// Matches reports whether a base name is a candidate for this watcher.
func (w *Watcher) Matches(name string) bool {
	base := filepath.Base(name)
	return !fsutil.IsInternal(base) && w.matcher.Match(base)
}

// Run watches until ctx is cancelled. It returns an error only if the
// notification backend cannot be created; a missing directory degrades the
// watcher instead.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.states)
	defer close(w.events)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	w.fsw = fsw
	defer fsw.Close()

	if err := w.fsw.Add(w.spec.Directory); err != nil {
		w.degrade(ctx, err)
	} else {
		w.setStatus(ctx, model.WatcherHealthy, "")
		if w.spec.ProcessExisting {
			w.scan(ctx)
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.sendStateNonBlocking(model.WatcherStopped, "")
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleNotify(ctx, ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch backend error", "error", err.Error())
			if errors.Is(err, fsnotify.ErrEventOverflow) && w.status == model.WatcherHealthy {
				w.scan(ctx)
			}

		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) handleNotify(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	if name == w.spec.Directory {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.degrade(ctx, errors.ErrDirectoryMissing)
		}
		return
	}
	if w.status != model.WatcherHealthy {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !w.Matches(name) {
		return
	}
	w.notify(ctx, name, w.now())
}

// notify records a notification for path.
func (w *Watcher) notify(ctx context.Context, path string, now time.Time) {
	// The tombstone holds the last notification seen since emission. Repeats
	// inside the window extend it, so a writer that keeps touching the file
	// never opens a new cycle until it pauses.
	if last, ok := w.tombstones[path]; ok {
		if now.Sub(last) < w.tombstoneWindow() {
			w.tombstones[path] = now
			return
		}
		delete(w.tombstones, path)
	}

	if c, ok := w.candidates[path]; ok {
		// Any notification inside the debounce window, or later, means the
		// writer is still active: restart the stability clock.
		c.lastNotify = now
		c.stableSince = now
		return
	}

	info, err := w.stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("stat failed on notification", "path", path, "error", err.Error())
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	c := &candidate{
		size:        info.Size(),
		modTime:     info.ModTime(),
		detectedAt:  now,
		lastNotify:  now,
		stableSince: now,
	}
	if w.spec.Stabilization <= 0 {
		w.emit(ctx, path, c, now)
		return
	}
	w.candidates[path] = c
}

func (w *Watcher) tombstoneWindow() time.Duration {
	if w.spec.Debounce > 0 {
		return w.spec.Debounce
	}
	return w.poll
}

// tick re-examines candidates and the directory itself.
func (w *Watcher) tick(ctx context.Context) {
	now := w.now()

	if w.status != model.WatcherHealthy {
		w.tryRecover(ctx)
		return
	}
	if _, err := w.stat(w.spec.Directory); errors.Is(err, fs.ErrNotExist) {
		w.degrade(ctx, err)
		return
	}

	for path, c := range w.candidates {
		info, err := w.stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			w.logger.Debug("candidate vanished before stabilizing", "path", path)
			delete(w.candidates, path)
			continue
		case err != nil:
			// Transient; look again next tick.
			continue
		}

		if info.Size() != c.size || !info.ModTime().Equal(c.modTime) {
			c.size = info.Size()
			c.modTime = info.ModTime()
			c.stableSince = now
			continue
		}
		if now.Sub(c.stableSince) >= w.spec.Stabilization && now.Sub(c.lastNotify) >= w.spec.Debounce {
			delete(w.candidates, path)
			w.emit(ctx, path, c, now)
		}
	}

	for path, at := range w.tombstones {
		if now.Sub(at) >= w.tombstoneWindow() {
			delete(w.tombstones, path)
		}
	}
}

func (w *Watcher) emit(ctx context.Context, path string, c *candidate, now time.Time) {
	stable := now
	ev := model.FileEvent{
		TaskID:     w.taskID,
		SourcePath: path,
		DetectedAt: c.detectedAt,
		StableAt:   &stable,
		Size:       c.size,
		ModTime:    c.modTime,
	}
	w.tombstones[path] = now

	select {
	case w.events <- ev:
	case <-ctx.Done():
		return
	}
	w.logger.Debug("file stabilized", "path", path, "size", c.size)

	if c.modTime.After(w.highWater) {
		w.highWater = c.modTime
		w.sendState(ctx, w.status, "")
	}
}

// scan enqueues every matching file modified after the high-water mark.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.spec.Directory)
	if err != nil {
		w.logger.Warn("directory scan failed", "error", err.Error())
		return
	}
	now := w.now()
	queued := 0
	for _, e := range entries {
		if e.IsDir() || !w.Matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().After(w.highWater) {
			continue
		}
		path := filepath.Join(w.spec.Directory, e.Name())
		if _, ok := w.candidates[path]; ok {
			continue
		}
		w.notify(ctx, path, now)
		queued++
	}
	if queued > 0 {
		w.logger.Info("queued existing files", "count", queued)
	}
}

func (w *Watcher) degrade(ctx context.Context, cause error) {
	if w.status == model.WatcherDegraded {
		return
	}
	_ = w.fsw.Remove(w.spec.Directory)
	clear(w.candidates)
	if errors.Is(cause, fs.ErrNotExist) {
		cause = errors.ErrDirectoryMissing
	}
	detail := "directory unavailable"
	if cause != nil {
		detail = fmt.Sprintf("directory unavailable: %v", cause)
	}
	w.logger.Warn("watcher degraded", "directory", w.spec.Directory, "detail", detail)
	w.setStatus(ctx, model.WatcherDegraded, detail)
}

func (w *Watcher) tryRecover(ctx context.Context) {
	info, err := w.stat(w.spec.Directory)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fsw.Add(w.spec.Directory); err != nil {
		w.logger.Debug("re-adding watch failed", "error", err.Error())
		return
	}
	w.logger.Info("watcher recovered", "directory", w.spec.Directory)
	w.setStatus(ctx, model.WatcherHealthy, "")
	w.scan(ctx)
}

func (w *Watcher) setStatus(ctx context.Context, status model.WatcherStatus, detail string) {
	w.status = status
	w.sendState(ctx, status, detail)
}

func (w *Watcher) state(status model.WatcherStatus, detail string) model.WatcherState {
	return model.WatcherState{
		TaskID:    w.taskID,
		Directory: w.spec.Directory,
		Status:    status,
		HighWater: w.highWater,
		Detail:    detail,
		UpdatedAt: w.now(),
	}
}

func (w *Watcher) sendState(ctx context.Context, status model.WatcherStatus, detail string) {
	select {
	case w.states <- w.state(status, detail):
	case <-ctx.Done():
	}
}

func (w *Watcher) sendStateNonBlocking(status model.WatcherStatus, detail string) {
	select {
	case w.states <- w.state(status, detail):
	default:
	}
}
