package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/tracksync/internal/store"
)

// RunStore provides an in-memory store.RunRepository for development/testing.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.RunRecord
	items map[uuid.UUID]map[int]store.ItemRecord
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.RunRecord),
		items: make(map[uuid.UUID]map[int]store.ItemRecord),
	}
}

// UpsertRunStart stores a run in running status or refreshes its label and total.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, label string, total int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.RunRecord{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	}
	run.Label = label
	run.Total = total
	s.runs[runID] = run
	return nil
}

// RecordItem replaces the outcome of one item.
func (s *RunStore) RecordItem(_ context.Context, item store.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.items[item.RunID]
	if !ok {
		rows = make(map[int]store.ItemRecord)
		s.items[item.RunID] = rows
	}
	item.Locators = slices.Clone(item.Locators)
	rows[item.Index] = item
	return nil
}

// CompleteRun marks a run terminal.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counters store.Counters,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	run.Counters = counters
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	s.mu.RLock()
	out := make([]store.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.RunRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return page(out, limit, offset), nil
}

// ListRunItems returns all recorded items for a run ordered by index.
func (s *RunStore) ListRunItems(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	s.mu.RLock()
	rows := s.items[runID]
	out := make([]store.ItemRecord, 0, len(rows))
	for _, item := range rows {
		item.Locators = slices.Clone(item.Locators)
		out = append(out, item)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.ItemRecord) int { return a.Index - b.Index })
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
