package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/storage/local"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o600))
}

func TestProbeResolve(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	touch(t, filepath.Join(root, "ELO - Mr. Blue Sky.opus"))
	touch(t, filepath.Join(root, "Queen - Bohemian Rhapsody.mp3"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Dir Only.mp3"), 0o750))

	probe := local.NewProbe(root, []string{".mp3", "OPUS", ""})
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate string
		want      string
		ok        bool
	}{
		{"exact", "Queen - Bohemian Rhapsody.mp3", "Queen - Bohemian Rhapsody.mp3", true},
		{"extensionless base", "Queen - Bohemian Rhapsody", "Queen - Bohemian Rhapsody.mp3", true},
		{"format changed between runs", "ELO - Mr. Blue Sky.mp3", "ELO - Mr. Blue Sky.opus", true},
		{"dot inside title is not an extension", "ELO - Mr. Blue Sky", "ELO - Mr. Blue Sky.opus", true},
		{"directory is not an artifact", "Dir Only.mp3", "", false},
		{"absent", "Nobody - Nothing", "", false},
		{"empty", " ", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := probe.Resolve(ctx, tc.candidate)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProbeAbsoluteCandidate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	abs := filepath.Join(root, "elsewhere", "A - B.m4a")
	touch(t, abs)

	probe := local.NewProbe("/nonexistent-root", nil)
	got, ok := probe.Resolve(context.Background(), filepath.Join(root, "elsewhere", "A - B.mp3"))
	require.True(t, ok)
	require.Equal(t, abs, got)
}
