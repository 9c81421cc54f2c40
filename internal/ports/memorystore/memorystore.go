// Package memorystore provides the in-memory ports.Store reference
// implementation used by default and in tests: a map guarded by a single
// RWMutex, server-assigning ids and timestamps on Create, following the
// teacher's map-plus-RWMutex store pattern rather than reaching for a
// database when none is configured.
package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Store is an in-memory, concurrency-safe ports.Store.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]ports.Task
}

// New returns an empty in-memory task store.
func New() *Store {
	return &Store{tasks: make(map[string]ports.Task)}
}

func (s *Store) Get(ctx context.Context, id string) (ports.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok, nil
}

// Create assigns an id (if absent) and server timestamps before storing.
func (s *Store) Create(ctx context.Context, task ports.Task) (ports.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	return task, nil
}

// Update loads the record, applies patch in place, bumps UpdatedAt, and
// persists the result.
func (s *Store) Update(ctx context.Context, id string, patch func(*ports.Task)) (ports.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ports.Task{}, apperrors.NotFound("task", id)
	}
	patch(&t)
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return t, nil
}

func (s *Store) List(ctx context.Context, filter ports.RecordFilter) ([]ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ports.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if len(filter.Tags) > 0 && !hasAllTags(t, filter.Tags) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func hasAllTags(t ports.Task, tags []string) bool {
	for _, want := range tags {
		if !t.HasTag(want) {
			return false
		}
	}
	return true
}

var _ ports.Store = (*Store)(nil)
