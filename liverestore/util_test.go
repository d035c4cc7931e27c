package liverestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeSourceFiles populates a directory with the given name -> contents.
func writeSourceFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
}

// newTestFS mounts a live restore of a fresh source directory holding the
// given files and advances it into the background migration phase.
func newTestFS(t *testing.T, sourceFiles map[string]string, opt Options) (*FileSystem, string) {
	t.Helper()
	ctx := context.Background()
	source := t.TempDir()
	dest := t.TempDir()
	if len(sourceFiles) == 0 {
		sourceFiles = map[string]string{"seed.wt": "seed"}
	}
	writeSourceFiles(t, source, sourceFiles)

	opt.SourcePath = source
	if opt.ReadSize == 0 {
		opt.ReadSize = 4096
	}
	f, err := New(ctx, dest, opt)
	require.NoError(t, err)
	require.Equal(t, StateLogCopy, f.State())
	require.NoError(t, f.SetState(ctx, StateBackgroundMigration))
	return f, dest
}

// readDestFile reads a file straight from the destination directory,
// bypassing the live restore layer.
func readDestFile(t *testing.T, dest, name string) string {
	t.Helper()
	contents, err := os.ReadFile(filepath.Join(dest, name))
	require.NoError(t, err)
	return string(contents)
}

// destFileExists reports whether the destination holds the named file.
func destFileExists(t *testing.T, dest, name string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(dest, name))
	if err == nil {
		return true
	}
	require.True(t, os.IsNotExist(err))
	return false
}

func repeat(c string, n int) string {
	return strings.Repeat(c, n)
}
