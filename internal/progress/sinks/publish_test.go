package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/publisher/memory"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

func TestPublishSinkAnnouncesFinishedRuns(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "runs", nil)
	now := time.Unix(1000, 0).UTC()
	snap := progress.Snapshot{RunID: "run-1", Label: "mix", State: tracks.RunCancelled, Total: 4, Downloaded: 2}

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", Kind: progress.KindItemStart, Index: 1},
		progress.SnapshotEvent(progress.KindRunFinish, snap, now),
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "runs", msgs[0].Topic)
	note, ok := msgs[0].Payload.(RunNotification)
	require.True(t, ok)
	require.Equal(t, tracks.RunCancelled, note.State)
	require.Equal(t, 2, note.Downloaded)
	require.Equal(t, now, note.FinishedAt)
}

func TestPublishSinkAnnouncesItemOutcomes(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "runs", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", Kind: progress.KindItemFinish, Index: 1, Status: tracks.ItemDownloaded, Locators: []string{"a.mp3"}},
		{RunID: "run-1", Kind: progress.KindItemError, Index: 2, Status: tracks.ItemFailed, Error: "fetch failed"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	first, ok := msgs[0].Payload.(ItemNotification)
	require.True(t, ok)
	require.Equal(t, []string{"a.mp3"}, first.Locators)
	second, ok := msgs[1].Payload.(ItemNotification)
	require.True(t, ok)
	require.Equal(t, "fetch failed", second.Error)
}

func TestPublishSinkDisabledWithoutTopic(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "", nil)
	snap := progress.Snapshot{RunID: "run-1", State: tracks.RunCompleted}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.SnapshotEvent(progress.KindRunFinish, snap, time.Now()),
	}))
	require.Empty(t, pub.Messages())
}

func TestPublishSinkReturnsPublisherErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailNext(errors.New("broker down"))
	sink := NewPublishSink(pub, "runs", nil)
	snap := progress.Snapshot{RunID: "run-1", State: tracks.RunCompleted}
	err := sink.Consume(context.Background(), []progress.Event{
		progress.SnapshotEvent(progress.KindRunFinish, snap, time.Now()),
	})
	require.ErrorContains(t, err, "broker down")
}
