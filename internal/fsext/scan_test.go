package fsext

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanVideos_FiltersAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.MP4", "a.mp4", "notes.txt", "c.mov"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir.mp4"), 0o755))

	videos, err := ScanVideos(dir, []string{".mp4", ".mov"})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "b.MP4"),
		filepath.Join(dir, "c.mov"),
	}, videos)
}

func TestScanVideos_EmptyDir(t *testing.T) {
	t.Parallel()

	videos, err := ScanVideos(t.TempDir(), []string{".mp4"})
	require.NoError(t, err)
	require.Empty(t, videos)
}
