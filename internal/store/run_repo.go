package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Counters aggregates per-item outcomes of a run.
type Counters struct {
	Total      int `json:"total"`
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// RunRecord models the runs table.
type RunRecord struct {
	// ID is the run identifier handed out by the manager.
	ID uuid.UUID
	// Label is the playlist or input name.
	Label string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/completed/failed/cancelled.
	Status RunStatus
	Counters
	// ErrorMessage optionally stores the run-level failure reason.
	ErrorMessage *string
}

// ItemRecord models one row of run_items, keyed by (run, index).
type ItemRecord struct {
	RunID     uuid.UUID
	Index     int
	Key       string
	Title     string
	Artists   string
	Status    string
	Locators  []string
	Message   string
	UpdatedAt time.Time
}

// RunRepository persists run history so outcomes stay queryable after a run ends.
type RunRepository interface {
	// UpsertRunStart inserts the run or refreshes its label and total.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, label string, total int, startedAt time.Time) error
	// RecordItem inserts or replaces the outcome of one item.
	RecordItem(ctx context.Context, item ItemRecord) error
	// CompleteRun marks the run finished with the provided status, counters, and error.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		counters Counters,
		errMsg *string,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error)
	// ListRuns returns runs filtered by optional status plus limit/offset, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]RunRecord, error)
	// ListRunItems returns item outcomes for one run ordered by index.
	ListRunItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]ItemRecord, error)
}
