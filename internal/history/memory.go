// Package history implements the HistoryStore port:
// execution history for scheduled steward jobs, with an in-memory
// reference implementation and an optional SQL-backed implementation over
// jmoiron/sqlx.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/stoneforge-ai/stewards/internal/ports"
)

// MemoryStore is a map-of-slices execution history store guarded by a
// single mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]ports.ExecutionEntry
}

// NewMemoryStore returns an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]ports.ExecutionEntry)}
}

// Append records entry under its steward ID. An entry whose ExecutionID is
// already recorded replaces the earlier one, so a provisional entry and its
// finalized form occupy one slot.
func (s *MemoryStore) Append(ctx context.Context, entry ports.ExecutionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.entries[entry.StewardID]
	for i := range existing {
		if existing[i].ExecutionID == entry.ExecutionID {
			existing[i] = entry
			return nil
		}
	}
	s.entries[entry.StewardID] = append(existing, entry)
	return nil
}

// Query filters and returns entries matching filter, sorted desc by
// StartedAt, optionally capped at filter.Limit.
func (s *MemoryStore) Query(ctx context.Context, filter ports.HistoryFilter) ([]ports.ExecutionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var src []ports.ExecutionEntry
	if filter.StewardID != "" {
		src = s.entries[filter.StewardID]
	} else {
		for _, entries := range s.entries {
			src = append(src, entries...)
		}
	}

	out := make([]ports.ExecutionEntry, 0, len(src))
	for _, e := range src {
		if filter.TriggerKind != "" && e.Trigger.Kind != filter.TriggerKind {
			continue
		}
		if filter.Success != nil && e.Success() != *filter.Success {
			continue
		}
		if filter.StartedAfter != nil && !e.StartedAt.After(*filter.StartedAfter) {
			continue
		}
		if filter.StartedBefore != nil && !e.StartedAt.Before(*filter.StartedBefore) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Prune trims stewardID's history down to the most recent max entries.
func (s *MemoryStore) Prune(ctx context.Context, stewardID string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[stewardID]
	if max <= 0 || len(entries) <= max {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.After(entries[j].StartedAt) })
	s.entries[stewardID] = append([]ports.ExecutionEntry(nil), entries[:max]...)
	return nil
}

var _ ports.HistoryStore = (*MemoryStore)(nil)
