package memory

import (
	"context"
	"maps"
	"sync"
)

// CompletionStore keeps the completion mapping in process memory.
type CompletionStore struct {
	mu    sync.RWMutex
	data  map[string]string
	saves int
}

// NewCompletionStore returns a store seeded with a copy of initial.
func NewCompletionStore(initial map[string]string) *CompletionStore {
	data := make(map[string]string, len(initial))
	maps.Copy(data, initial)
	return &CompletionStore{data: data}
}

// Load returns a copy of the mapping.
func (s *CompletionStore) Load(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data), nil
}

// Save replaces the mapping with a copy of mapping.
func (s *CompletionStore) Save(_ context.Context, mapping map[string]string) error {
	data := make(map[string]string, len(mapping))
	maps.Copy(data, mapping)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

// Saves reports how many times Save was called.
func (s *CompletionStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
