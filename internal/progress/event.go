package progress

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Kind tags the variant of an Event.
type Kind string

// Supported event kinds.
const (
	KindFileStart  Kind = "file_start"
	KindItemStart  Kind = "item_start"
	KindItemFinish Kind = "item_finish"
	KindItemError  Kind = "item_error"
	// KindSnapshot is synthesized for each new subscriber and never published.
	KindSnapshot Kind = "snapshot"
	// KindRunFinish is the last event of a run and carries the final snapshot.
	KindRunFinish Kind = "run_finish"
)

// Event captures a single run milestone. Events are values; nothing mutates
// one after it has been published.
type Event struct {
	// RunID identifies the run that produced the event.
	RunID string `json:"run_id"`
	// Kind selects the variant.
	Kind Kind `json:"kind"`
	// Index is the 1-based position of the current item (0 before the first).
	Index int `json:"index"`
	// Total is the best-effort number of items known so far.
	Total int `json:"total"`
	// Description is a short human-readable label; the run label for file_start.
	Description string `json:"description"`
	// Key is the item identity for item events.
	Key string `json:"key,omitempty"`
	// Title and Artists echo the item for item events.
	Title   string `json:"title,omitempty"`
	Artists string `json:"artists,omitempty"`
	// Status is the item state reached, for item events.
	Status tracks.ItemStatus `json:"status,omitempty"`
	// Locators lists artifacts for finished items.
	Locators []string `json:"locators,omitempty"`
	// Error carries item failure or skip reasons.
	Error string `json:"error,omitempty"`
	// Timestamp is when the runner produced the event.
	Timestamp time.Time `json:"ts"`
	// Snapshot is set on snapshot and run_finish events.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	switch e.Kind {
	case KindFileStart:
	case KindItemStart, KindItemFinish, KindItemError:
		if e.Index < 1 {
			return errors.New("item events require a 1-based index")
		}
	case KindSnapshot, KindRunFinish:
		if e.Snapshot == nil {
			return fmt.Errorf("%s event requires a snapshot", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Total < 0 {
		return errors.New("total must be >= 0")
	}
	return nil
}

// Snapshot is the full observable state of a run at one instant.
type Snapshot struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label,omitempty"`
	State      tracks.RunState `json:"state"`
	Paused     bool            `json:"paused"`
	Index      int             `json:"index"`
	Total      int             `json:"total"`
	Downloaded int             `json:"downloaded"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Items      []ItemSnapshot  `json:"items"`
	Error      string          `json:"error,omitempty"`
	Manifest   string          `json:"manifest,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ItemSnapshot is the observable state of one item.
type ItemSnapshot struct {
	Index    int               `json:"index"`
	Title    string            `json:"title"`
	Artists  string            `json:"artists"`
	Key      string            `json:"key,omitempty"`
	Status   tracks.ItemStatus `json:"status"`
	Locators []string          `json:"locators,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Items = make([]ItemSnapshot, len(s.Items))
	for i, item := range s.Items {
		item.Locators = slices.Clone(item.Locators)
		out.Items[i] = item
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// SnapshotEvent wraps a copy of snap in an event of the given kind.
func SnapshotEvent(kind Kind, snap Snapshot, at time.Time) Event {
	c := snap.Clone()
	return Event{
		RunID:       snap.RunID,
		Kind:        kind,
		Index:       snap.Index,
		Total:       snap.Total,
		Description: string(snap.State),
		Error:       snap.Error,
		Timestamp:   at,
		Snapshot:    &c,
	}
}
