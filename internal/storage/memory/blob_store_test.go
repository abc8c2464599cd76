package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("#EXTM3U")
	uri, err := store.PutObject(context.Background(), "playlists/mix.m3u", "audio/x-mpegurl", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://playlists/mix.m3u", uri)

	payload[0] = 'X'
	stored, ok := store.Object("playlists/mix.m3u")
	require.True(t, ok)
	require.Equal(t, "#EXTM3U", string(stored))

	_, ok = store.Object("missing")
	require.False(t, ok)
	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
