package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	older, newer := uuid.New(), uuid.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRunStart(ctx, older, "first", 0, start))
	require.NoError(t, s.UpsertRunStart(ctx, older, "first", 3, start.Add(time.Hour)))
	require.NoError(t, s.UpsertRunStart(ctx, newer, "second", 1, start.Add(time.Minute)))

	run, err := s.GetRun(ctx, older)
	require.NoError(t, err)
	require.Equal(t, 3, run.Total)
	require.Equal(t, start, run.StartedAt, "restart keeps the original start")
	require.Equal(t, store.RunRunning, run.Status)

	msg := "input unreadable"
	require.NoError(t, s.CompleteRun(ctx, newer, start.Add(2*time.Minute), store.RunFailed, store.Counters{Total: 1}, &msg))
	run, err = s.GetRun(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, msg, *run.ErrorMessage)

	runs, err := s.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, newer, runs[0].ID)

	failed := store.RunFailed
	runs, err = s.ListRuns(ctx, &failed, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, runs)

	require.ErrorIs(t, s.CompleteRun(ctx, uuid.New(), start, store.RunCompleted, store.Counters{}, nil), store.ErrNotFound)
	_, err = s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreItemsReplaceByIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	runID := uuid.New()
	locs := []string{"a.mp3"}

	require.NoError(t, s.RecordItem(ctx, store.ItemRecord{RunID: runID, Index: 2, Status: "downloading"}))
	require.NoError(t, s.RecordItem(ctx, store.ItemRecord{RunID: runID, Index: 1, Status: "skipped", Locators: locs}))
	require.NoError(t, s.RecordItem(ctx, store.ItemRecord{RunID: runID, Index: 2, Status: "failed", Message: "boom"}))
	locs[0] = "mutated"

	items, err := s.ListRunItems(ctx, runID, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 1, items[0].Index)
	require.Equal(t, []string{"a.mp3"}, items[0].Locators)
	require.Equal(t, "failed", items[1].Status)

	items, err = s.ListRunItems(ctx, runID, 1, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].Index)
}
