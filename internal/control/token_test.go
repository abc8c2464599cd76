package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

func TestTokenRunningCheckpointReturns(t *testing.T) {
	t.Parallel()

	tok := New(10 * time.Millisecond)
	require.NoError(t, tok.Checkpoint(context.Background()))
	require.False(t, tok.Paused())
	require.False(t, tok.Cancelled())
}

func TestTokenPauseBlocksUntilResume(t *testing.T) {
	t.Parallel()

	tok := New(10 * time.Millisecond)
	tok.Pause()

	var passed atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := tok.Checkpoint(context.Background())
		passed.Store(true)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, passed.Load(), "checkpoint must block while paused")

	tok.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestTokenCancelWhilePaused(t *testing.T) {
	t.Parallel()

	tok := New(MaxPollInterval)
	tok.Pause()
	done := make(chan error, 1)
	go func() { done <- tok.Checkpoint(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	tok.Cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, tracks.ErrCancelled)
		require.Less(t, time.Since(start), 2*MaxPollInterval)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not observe cancel")
	}
}

func TestTokenCancelIsMonotonic(t *testing.T) {
	t.Parallel()

	tok := New(0)
	tok.Cancel()
	tok.Resume()
	tok.Pause()
	tok.Cancel()

	require.True(t, tok.Cancelled())
	require.False(t, tok.Paused())
	require.ErrorIs(t, tok.Checkpoint(context.Background()), tracks.ErrCancelled)
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestTokenContextCancellation(t *testing.T) {
	t.Parallel()

	tok := New(10 * time.Millisecond)
	tok.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tok.Checkpoint(ctx)
	require.ErrorIs(t, err, tracks.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClampsPollInterval(t *testing.T) {
	t.Parallel()

	require.Equal(t, MaxPollInterval, New(time.Hour).poll)
	require.Equal(t, MaxPollInterval, New(-1).poll)
	require.Equal(t, 5*time.Millisecond, New(5*time.Millisecond).poll)
}
