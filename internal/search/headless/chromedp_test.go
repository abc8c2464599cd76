package headless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	p, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.Equal(t, 2, cap(p.limiter))
	require.Equal(t, "https://www.youtube.com", p.cfg.BaseURL)
}

func TestNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	p := &Provider{}
	require.Equal(t, 45*time.Second, p.navTimeout())
	p.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, p.navTimeout())
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	p, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	require.NoError(t, p.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.acquire(ctx), context.Canceled)

	p.release()
	require.NoError(t, p.acquire(context.Background()))
	p.release()
	p.release()
}

func TestResolveEmptyTerms(t *testing.T) {
	t.Parallel()

	p, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Resolve(context.Background(), "")
	require.ErrorIs(t, err, tracks.ErrNoCandidate)
}
