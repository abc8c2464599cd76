package sinks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/store"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// StoreSink persists run history via a store.RunRepository. Within a batch only
// the latest outcome per item is written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run and item outcomes to the repository. It respects ctx
// deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[itemKey]store.ItemRecord)
	var order []itemKey

	flush := func() error {
		for _, key := range order {
			if err := s.repo.RecordItem(ctx, pending[key]); err != nil {
				return fmt.Errorf("record item: %w", err)
			}
		}
		clear(pending)
		order = order[:0]
		return nil
	}

	for _, evt := range batch {
		runID, err := uuid.Parse(evt.RunID)
		if err != nil {
			s.logger.Debug("skipping progress event with non-uuid run id", zap.String("run_id", evt.RunID))
			continue
		}
		switch evt.Kind {
		case progress.KindFileStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Description, evt.Total, evt.Timestamp); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.KindItemFinish, progress.KindItemError:
			key := itemKey{runID: runID, index: evt.Index}
			if _, seen := pending[key]; !seen {
				order = append(order, key)
			}
			pending[key] = itemRecord(runID, evt)
		case progress.KindRunFinish:
			if err := flush(); err != nil {
				return err
			}
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	snap := evt.Snapshot
	if snap == nil {
		snap = &progress.Snapshot{RunID: evt.RunID, State: tracks.RunFailed, Total: evt.Total}
	}
	startedAt := evt.Timestamp
	if snap.StartedAt != nil {
		startedAt = *snap.StartedAt
	}
	// Runs that fail before file_start have no row yet.
	if err := s.repo.UpsertRunStart(ctx, runID, snap.Label, snap.Total, startedAt); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	finishedAt := evt.Timestamp
	if snap.FinishedAt != nil {
		finishedAt = *snap.FinishedAt
	}
	var errMsg *string
	if snap.Error != "" {
		msg := snap.Error
		errMsg = &msg
	}
	counters := store.Counters{
		Total:      snap.Total,
		Downloaded: snap.Downloaded,
		Skipped:    snap.Skipped,
		Failed:     snap.Failed,
	}
	if err := s.repo.CompleteRun(ctx, runID, finishedAt, runStatus(snap.State), counters, errMsg); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type itemKey struct {
	runID uuid.UUID
	index int
}

func itemRecord(runID uuid.UUID, evt progress.Event) store.ItemRecord {
	status := evt.Status
	if status == "" {
		status = tracks.ItemFailed
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return store.ItemRecord{
		RunID:     runID,
		Index:     evt.Index,
		Key:       evt.Key,
		Title:     evt.Title,
		Artists:   evt.Artists,
		Status:    string(status),
		Locators:  slices.Clone(evt.Locators),
		Message:   evt.Error,
		UpdatedAt: at,
	}
}

func runStatus(state tracks.RunState) store.RunStatus {
	switch state {
	case tracks.RunCompleted:
		return store.RunCompleted
	case tracks.RunCancelled:
		return store.RunCancelled
	case tracks.RunRunning, tracks.RunIdle:
		return store.RunRunning
	default:
		return store.RunFailed
	}
}
