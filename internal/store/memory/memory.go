// Package memory implements store.Store in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
)

type activeKey struct {
	taskID, path string
}

// Store keeps all state in maps guarded by a mutex. Returned runs are
// copies; callers may mutate them freely.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]model.TaskDefinition
	runs     map[string]*model.PipelineRun
	active   map[activeKey]string // -> run ID
	watchers map[string]model.WatcherState
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]model.TaskDefinition),
		runs:     make(map[string]*model.PipelineRun),
		active:   make(map[activeKey]string),
		watchers: make(map[string]model.WatcherState),
	}
}

func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return errors.NewStateStoreError("memory", fmt.Errorf("store closed")).WithRetryable(false)
	}
	return ctx.Err()
}

// SaveTask implements store.Store.
func (s *Store) SaveTask(ctx context.Context, task model.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	task.Pipeline = append([]model.StepDefinition(nil), task.Pipeline...)
	s.tasks[task.ID] = task
	return nil
}

// Task returns a saved task definition.
func (s *Store) Task(id string) (model.TaskDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// UpsertRun implements store.Store.
func (s *Store) UpsertRun(ctx context.Context, run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if !run.Status.Valid() {
		return errors.NewValidationError("unknown run status").WithField("status").WithValue(run.Status)
	}

	if prev, ok := s.runs[run.ID]; ok && !prev.Status.CanTransition(run.Status) {
		return fmt.Errorf("run %s: %s -> %s: %w", run.ID, prev.Status, run.Status, errors.ErrInvalidTransition)
	}

	key := activeKey{run.TaskID, run.Event.SourcePath}
	if run.Status.IsActive() {
		if owner, ok := s.active[key]; ok && owner != run.ID {
			return errors.NewDuplicateEventError(run.TaskID, run.Event.SourcePath)
		}
		s.active[key] = run.ID
	} else if s.active[key] == run.ID {
		delete(s.active, key)
	}

	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, errors.NewNotFoundError("run", id).WithCause(errors.ErrRunNotFound)
	}
	return run.Clone(), nil
}

// ListRuns implements store.Store.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []*model.PipelineRun
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ExistsActiveRun implements store.Store.
func (s *Store) ExistsActiveRun(ctx context.Context, taskID, sourcePath string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	_, ok := s.active[activeKey{taskID, sourcePath}]
	return ok, nil
}

// UpsertWatcherState implements store.Store.
func (s *Store) UpsertWatcherState(ctx context.Context, state model.WatcherState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.watchers[state.TaskID] = state
	return nil
}

// GetWatcherState implements store.Store.
func (s *Store) GetWatcherState(ctx context.Context, taskID string) (model.WatcherState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return model.WatcherState{}, false, err
	}
	st, ok := s.watchers[taskID]
	return st, ok, nil
}

// ReconcileInterrupted implements store.Store.
func (s *Store) ReconcileInterrupted(ctx context.Context, now time.Time) ([]*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []*model.PipelineRun
	for _, run := range s.runs {
		if !run.Status.IsActive() {
			continue
		}
		completed := now
		run.Status = model.RunFailed
		run.ErrorMessage = store.InterruptedMessage
		run.CompletedAt = &completed
		delete(s.active, activeKey{run.TaskID, run.Event.SourcePath})
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
