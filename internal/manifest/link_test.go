package manifest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/storage/memory"
)

func TestLinkerLinksLocalTracks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	track := filepath.Join(root, "Band - Song.mp3")
	require.NoError(t, os.WriteFile(track, []byte("audio"), 0o600))

	l := NewLinker(root, "playlists", nil)
	entries := []Entry{
		{Title: "Song", Artists: "Band", Locator: "Band - Song.mp3"},
		{Title: "Remote", Artists: "X", Locator: "gs://bucket/X - Remote.mp3"},
		{Title: "Abs", Artists: "Y", Locator: "/elsewhere/Y - Abs.mp3"},
	}
	n, err := l.Link("Road/Trip", entries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	linked := filepath.Join(root, "playlists", "Road_Trip", "Band - Song.mp3")
	src, err := os.Stat(track)
	require.NoError(t, err)
	dst, err := os.Stat(linked)
	require.NoError(t, err)
	assert.True(t, os.SameFile(src, dst))

	n, err = l.Link("Road/Trip", entries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLinkerReportsMissingTracks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	l := NewLinker(root, "playlists", nil)
	n, err := l.Link("mix", []Entry{{Locator: "gone.mp3"}})
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Zero(t, n)
	_, statErr := os.Lstat(filepath.Join(root, "playlists", "mix", "gone.mp3"))
	assert.ErrorIs(t, statErr, fs.ErrNotExist)

	_, err = l.Link("", nil)
	require.Error(t, err)
}

func TestWriterLinksAfterWrite(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "B - A.mp3"), []byte("a"), 0o600))
	blobs := memory.NewBlobStore()
	w := NewWriter(blobs, Config{Dir: "playlists"}).WithLinker(NewLinker(root, "playlists", nil), nil)

	uri, err := w.Write(context.Background(), "mix", []Entry{
		{Title: "A", Artists: "B", Locator: "B - A.mp3"},
		{Title: "C", Artists: "D", Locator: "D - C.mp3"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, uri)
	assert.FileExists(t, filepath.Join(root, "playlists", "mix", "B - A.mp3"))
	assert.NoFileExists(t, filepath.Join(root, "playlists", "mix", "D - C.mp3"))
}
