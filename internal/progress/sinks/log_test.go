package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

func TestLogSinkWritesStructuredEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", Kind: progress.KindItemFinish, Index: 1, Total: 2, Status: tracks.ItemDownloaded},
		{RunID: "run-1", Kind: progress.KindItemError, Index: 2, Total: 2, Error: "fetch failed"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "fetch failed", entries[1].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}
