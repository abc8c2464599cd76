// Package completion builds the skip-set of a run from a CompletionStore and
// keeps concurrent writers of one store from dropping each other's entries.
package completion

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Reconcile returns the entries of mapping whose locator still resolves via
// probe. An entry whose artifact now lives under a different acceptable
// extension is rewritten to the resolved locator. When probe is an
// ArtifactChecker and a lookup fails, the entry is kept as recorded. The input
// is not modified.
func Reconcile(ctx context.Context, mapping map[string]string, probe tracks.ArtifactProbe) map[string]string {
	out := make(map[string]string, len(mapping))
	if probe == nil {
		return out
	}
	for key, locator := range mapping {
		if key == "" || locator == "" {
			continue
		}
		resolved, ok, err := check(ctx, probe, locator)
		switch {
		case err != nil:
			out[key] = locator
		case ok:
			out[key] = resolved
		}
	}
	return out
}

func check(ctx context.Context, probe tracks.ArtifactProbe, locator string) (string, bool, error) {
	if checker, ok := probe.(tracks.ArtifactChecker); ok {
		return checker.Check(ctx, locator)
	}
	resolved, ok := probe.Resolve(ctx, locator)
	return resolved, ok, nil
}

// Merge copies every entry of src into dst, overwriting on conflict, and
// returns dst. A nil dst is allocated.
func Merge(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// Clone returns a copy of m that is never nil.
func Clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	maps.Copy(out, m)
	return out
}

// Shared wraps a CompletionStore used by several runs in one process. Saves
// are serialised and merged with the latest persisted mapping so one run's
// replace never erases entries written by another.
type Shared struct {
	mu    sync.Mutex
	inner tracks.CompletionStore
}

// NewShared wraps inner.
func NewShared(inner tracks.CompletionStore) *Shared {
	return &Shared{inner: inner}
}

// Load proxies to the wrapped store.
func (s *Shared) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.inner.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("shared load: %w", err)
	}
	return m, nil
}

// Save merges mapping over the persisted one and replaces it atomically.
func (s *Shared) Save(ctx context.Context, mapping map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.inner.Load(ctx)
	if err != nil {
		current = nil
	}
	merged := Merge(Clone(current), mapping)
	if err := s.inner.Save(ctx, merged); err != nil {
		return fmt.Errorf("shared save: %w", err)
	}
	return nil
}
