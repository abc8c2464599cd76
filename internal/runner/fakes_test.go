package runner

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

type fakeInput struct {
	items []tracks.Item
	hint  int
	err   error
}

func (f *fakeInput) Read(_ context.Context, offset, max int) ([]tracks.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	start := offset - 1
	if start >= len(f.items) {
		return nil, nil
	}
	out := f.items[start:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return slices.Clone(out), nil
}

func (f *fakeInput) SizeHint(context.Context) (int, bool) {
	return f.hint, f.hint > 0
}

// fakeLibrary is an ArtifactProbe over an in-memory set of locators.
type fakeLibrary struct {
	mu    sync.Mutex
	files map[string]bool
}

func newFakeLibrary(files ...string) *fakeLibrary {
	lib := &fakeLibrary{files: make(map[string]bool)}
	for _, f := range files {
		lib.files[f] = true
	}
	return lib
}

func (l *fakeLibrary) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[name] = true
}

func (l *fakeLibrary) Resolve(_ context.Context, candidate string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.files[candidate] {
		return candidate, true
	}
	base := candidate
	if ext := path.Ext(candidate); ext == ".mp3" || ext == ".m4a" {
		base = candidate[:len(candidate)-len(ext)]
	}
	for _, ext := range []string{".mp3", ".m4a"} {
		if l.files[base+ext] {
			return base + ext, true
		}
	}
	return "", false
}

// fakeFetcher writes "<name>.mp3" into the library unless told to fail.
type fakeFetcher struct {
	mu      sync.Mutex
	lib     *fakeLibrary
	fail    map[string]error
	extra   map[string][]string
	onFetch func(req tracks.FetchRequest)
	calls   []tracks.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req tracks.FetchRequest) (tracks.FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.onFetch
	err := f.fail[req.Item.Title]
	extra := f.extra[req.Item.Title]
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return tracks.FetchResult{}, err
	}
	locators := []string{req.Name + ".mp3"}
	locators = append(locators, extra...)
	if f.lib != nil {
		for _, loc := range locators {
			f.lib.add(loc)
		}
	}
	return tracks.FetchResult{Locators: locators}, nil
}

func (f *fakeFetcher) Calls() []tracks.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakeSearch struct {
	urls map[string]string
}

func (s fakeSearch) Resolve(_ context.Context, terms string) (tracks.Target, error) {
	if u, ok := s.urls[terms]; ok {
		return tracks.Target{URL: u}, nil
	}
	return tracks.Target{}, fmt.Errorf("search %q: %w", terms, tracks.ErrNoCandidate)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (map[string]string, error) {
	return nil, fmt.Errorf("decode completion file: unexpected EOF")
}

func (brokenStore) Save(context.Context, map[string]string) error {
	return fmt.Errorf("read-only")
}

func threeItems() []tracks.Item {
	return []tracks.Item{
		{Position: 1, Title: "One", Artists: "Alpha", DurationMs: 181000},
		{Position: 2, Title: "Two", Artists: "Beta"},
		{Position: 3, Title: "Three", Artists: "Gamma"},
	}
}
