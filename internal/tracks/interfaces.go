package tracks

import (
	"context"
	"time"
)

// InputSource yields a finite, replayable sequence of items.
type InputSource interface {
	// Read returns up to max items starting at the 1-based offset. A max of
	// zero means no ceiling.
	Read(ctx context.Context, offset, max int) ([]Item, error)
}

// SizeHinter is implemented by sources that know their size before a read.
type SizeHinter interface {
	SizeHint(ctx context.Context) (int, bool)
}

// Labeler is implemented by sources that carry their own name, such as a
// playlist title.
type Labeler interface {
	Label(ctx context.Context) (string, bool)
}

// SearchProvider resolves free-text terms to a concrete fetch target.
type SearchProvider interface {
	Resolve(ctx context.Context, terms string) (Target, error)
}

// FetchProvider retrieves one target and returns the artifacts it wrote.
type FetchProvider interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// ArtifactProbe locates previously written artifacts. Resolve accepts a
// candidate locator with or without extension and returns the locator of the
// artifact actually present under any acceptable extension.
type ArtifactProbe interface {
	Resolve(ctx context.Context, candidate string) (string, bool)
}

// ArtifactChecker is an ArtifactProbe that can tell a missing artifact apart
// from a lookup that failed. A non-nil error means the answer is unknown.
type ArtifactChecker interface {
	ArtifactProbe
	Check(ctx context.Context, candidate string) (string, bool, error)
}

// Exists reports whether probe can resolve candidate.
func Exists(ctx context.Context, probe ArtifactProbe, candidate string) bool {
	if probe == nil || candidate == "" {
		return false
	}
	_, ok := probe.Resolve(ctx, candidate)
	return ok
}

// CompletionStore persists the key to locator mapping of completed items.
type CompletionStore interface {
	// Load returns the stored mapping; a missing record yields an empty map.
	Load(ctx context.Context) (map[string]string, error)
	// Save atomically replaces the stored mapping.
	Save(ctx context.Context, mapping map[string]string) error
}

// BlobStore writes small artifacts such as playlist manifests and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration or until the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
