package tracks

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

// Supported run states.
const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus is the lifecycle state of one item within a run.
type ItemStatus string

// Supported item states.
const (
	ItemPending     ItemStatus = "pending"
	ItemSkipped     ItemStatus = "skipped"
	ItemDownloading ItemStatus = "downloading"
	ItemDownloaded  ItemStatus = "downloaded"
	ItemFailed      ItemStatus = "failed"
)

// Item is one requested track.
type Item struct {
	// Position is the 1-based row of the item in its source.
	Position int `json:"position"`
	// Title is the track name.
	Title string `json:"title"`
	// Artists is the primary attribution, possibly several names joined.
	Artists string `json:"artists"`
	// Album is the optional qualifier.
	Album string `json:"album,omitempty"`
	// SourceID identifies the item upstream (e.g. a Spotify track URI).
	SourceID string `json:"source_id,omitempty"`
	// DurationMs is the upstream duration when known.
	DurationMs int `json:"duration_ms,omitempty"`
}

// RunRequest describes what a run should process.
type RunRequest struct {
	// Label names the run; manifests are written under it.
	Label string `json:"label,omitempty"`
	// Offset is the 1-based position of the first item to read.
	Offset int `json:"offset"`
	// Limit caps the number of items read; zero means no ceiling.
	Limit int `json:"limit,omitempty"`
	// IncludeAlbum makes the album participate in identity keys and queries.
	IncludeAlbum bool `json:"include_album"`
}

// Normalize fills zero values with their defaults.
func (r RunRequest) Normalize() RunRequest {
	if r.Offset == 0 {
		r.Offset = 1
	}
	return r
}

// Validate enforces the request invariants.
func (r RunRequest) Validate() error {
	if r.Offset < 1 {
		return fmt.Errorf("%w: offset must be >= 1, got %d", ErrInput, r.Offset)
	}
	if r.Limit < 0 {
		return fmt.Errorf("%w: limit must be > 0 when set, got %d", ErrInput, r.Limit)
	}
	return nil
}

// Target is what the fetch provider should retrieve. Either URL points at a
// concrete resource resolved by search, or Query carries free-text terms the
// provider expands into its own multi-candidate lookup.
type Target struct {
	URL   string `json:"url,omitempty"`
	Query string `json:"query,omitempty"`
}

// Resolved reports whether search produced a concrete URL.
func (t Target) Resolved() bool {
	return t.URL != ""
}

func (t Target) String() string {
	if t.URL != "" {
		return t.URL
	}
	return t.Query
}

// FetchRequest is handed to a FetchProvider for one item.
type FetchRequest struct {
	Target Target
	Item   Item
	// Name is the planned artifact base name, without extension.
	Name string
}

// FetchResult lists the artifacts produced by one fetch.
type FetchResult struct {
	Locators []string
	Duration time.Duration
}
