package liverestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livefs/livefs/fs"
	"github.com/livefs/livefs/osfs"
)

func TestStateStrings(t *testing.T) {
	for _, state := range []State{StateNone, StateLogCopy, StateBackgroundMigration, StateCleanUp, StateComplete} {
		got, err := parseState(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}
	_, err := parseState("NOT_A_STATE")
	assert.ErrorIs(t, err, fs.ErrorInvalid)
}

func TestInitStatePersists(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	dest := t.TempDir()
	writeSourceFiles(t, source, map[string]string{"a.wt": "x"})

	// First mount creates the state file in LOG_COPY.
	f, err := New(ctx, dest, Options{SourcePath: source})
	require.NoError(t, err)
	assert.Equal(t, StateLogCopy, f.State())

	state, err := ReadState(ctx, osfs.New(), dest)
	require.NoError(t, err)
	assert.Equal(t, StateLogCopy, state)

	// Advance and remount: the persisted state is adopted.
	require.NoError(t, f.SetState(ctx, StateBackgroundMigration))
	f2, err := New(ctx, dest, Options{SourcePath: source})
	require.NoError(t, err)
	assert.Equal(t, StateBackgroundMigration, f2.State())
}

func TestSetStateTransitions(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFS(t, nil, Options{})
	// newTestFS leaves the file system in BACKGROUND_MIGRATION.

	// Repeating a state is an error, not a no-op.
	assert.ErrorIs(t, f.SetState(ctx, StateBackgroundMigration), fs.ErrorInvalid)
	// Skipping a state is an error.
	assert.ErrorIs(t, f.SetState(ctx, StateComplete), fs.ErrorInvalid)
	// Going backwards is an error.
	assert.ErrorIs(t, f.SetState(ctx, StateLogCopy), fs.ErrorInvalid)
	// NONE can never be entered.
	assert.ErrorIs(t, f.SetState(ctx, StateNone), fs.ErrorInvalid)

	require.NoError(t, f.SetState(ctx, StateCleanUp))
	require.NoError(t, f.SetState(ctx, StateComplete))
	assert.True(t, f.State().MigrationComplete())
}

func TestReadStateMissing(t *testing.T) {
	state, err := ReadState(context.Background(), osfs.New(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, StateNone, state)
}

func TestValidateDirectories(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptySource", func(t *testing.T) {
		_, err := New(ctx, t.TempDir(), Options{SourcePath: t.TempDir()})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})

	t.Run("StopFileInSource", func(t *testing.T) {
		source := t.TempDir()
		writeSourceFiles(t, source, map[string]string{"a.wt": "x", "a.wt.stop": ""})
		_, err := New(ctx, t.TempDir(), Options{SourcePath: source})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})

	t.Run("StateFileInSource", func(t *testing.T) {
		source := t.TempDir()
		writeSourceFiles(t, source, map[string]string{"a.wt": "x", StateFileName: "LOG_COPY\n"})
		_, err := New(ctx, t.TempDir(), Options{SourcePath: source})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})

	t.Run("CompleteStateFileInSourceIsBackupResidue", func(t *testing.T) {
		source := t.TempDir()
		writeSourceFiles(t, source, map[string]string{"a.wt": "x", StateFileName: "COMPLETE\n"})
		f, err := New(ctx, t.TempDir(), Options{SourcePath: source})
		require.NoError(t, err)
		assert.Equal(t, StateLogCopy, f.State())
		_, statErr := os.Stat(filepath.Join(source, StateFileName))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("NonEmptyDestinationOnFirstMount", func(t *testing.T) {
		source := t.TempDir()
		writeSourceFiles(t, source, map[string]string{"a.wt": "x"})
		dest := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dest, "stray.wt"), []byte("db"), 0o644))
		_, err := New(ctx, dest, Options{SourcePath: source})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})

	t.Run("LogCopyAllowsOnlyLogs", func(t *testing.T) {
		source := t.TempDir()
		writeSourceFiles(t, source, map[string]string{"a.wt": "x"})
		dest := t.TempDir()
		f, err := New(ctx, dest, Options{SourcePath: source})
		require.NoError(t, err)
		require.Equal(t, StateLogCopy, f.State())

		// Logs and the state file are fine on remount.
		require.NoError(t, os.WriteFile(filepath.Join(dest, "0000001.log"), []byte("l"), 0o644))
		_, err = New(ctx, dest, Options{SourcePath: source})
		require.NoError(t, err)

		// Anything else is not.
		require.NoError(t, os.WriteFile(filepath.Join(dest, "a.wt"), []byte("d"), 0o644))
		_, err = New(ctx, dest, Options{SourcePath: source})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})

	t.Run("CompleteForbidsStopFiles", func(t *testing.T) {
		ctxb := context.Background()
		f, dest := newTestFS(t, map[string]string{"a.wt": "x"}, Options{})
		require.NoError(t, f.SetState(ctxb, StateCleanUp))
		require.NoError(t, f.SetState(ctxb, StateComplete))
		require.NoError(t, os.WriteFile(filepath.Join(dest, "left.wt.stop"), nil, 0o644))
		_, err := New(ctxb, dest, Options{SourcePath: f.source})
		assert.ErrorIs(t, err, fs.ErrorInvalid)
	})
}

func TestDeleteCompletedStateFile(t *testing.T) {
	ctx := context.Background()
	backing := osfs.New()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("COMPLETE\n"), 0o644))
	require.NoError(t, DeleteCompletedStateFile(ctx, backing, dir))
	_, err := os.Stat(filepath.Join(dir, StateFileName))
	assert.True(t, os.IsNotExist(err))

	// Anything but COMPLETE is left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("LOG_COPY\n"), 0o644))
	require.NoError(t, DeleteCompletedStateFile(ctx, backing, dir))
	_, err = os.Stat(filepath.Join(dir, StateFileName))
	assert.NoError(t, err)
}
