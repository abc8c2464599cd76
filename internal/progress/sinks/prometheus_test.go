package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	started := time.Now()
	finished := started.Add(90 * time.Second)
	batch := []progress.Event{
		{RunID: "run-1", Kind: progress.KindFileStart, Total: 0, Timestamp: started},
		{RunID: "run-1", Kind: progress.KindFileStart, Total: 3, Timestamp: started},
		{RunID: "run-1", Kind: progress.KindItemFinish, Index: 1, Status: tracks.ItemDownloaded},
		{RunID: "run-1", Kind: progress.KindItemFinish, Index: 2, Status: tracks.ItemSkipped},
		{RunID: "run-1", Kind: progress.KindItemError, Index: 3, Status: tracks.ItemFailed},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	snap := progress.Snapshot{
		RunID:      "run-1",
		State:      tracks.RunCompleted,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.SnapshotEvent(progress.KindRunFinish, snap, finished),
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("downloaded")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("skipped")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("failed")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "tracksync_run_duration_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
