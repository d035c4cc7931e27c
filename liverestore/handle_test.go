package liverestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livefs/livefs/fs"
	"github.com/livefs/livefs/lib/ranges"
)

// openData opens a data file through the live restore layer.
func openData(t *testing.T, f *FileSystem, dest, name string, flags fs.OpenFlag) *FileHandle {
	t.Helper()
	fh, err := f.Open(context.Background(), filepath.Join(dest, name), fs.TypeData, flags)
	require.NoError(t, err)
	return fh.(*FileHandle)
}

// TestFreshBackedFileFullCopy opens a file that only exists in the source
// and drains it in one chunk.
func TestFreshBackedFileFullCopy(t *testing.T) {
	contents := repeat("A", 4096)
	f, dest := newTestFS(t, map[string]string{"a.wt": contents}, Options{ReadSize: 4096})
	h := openData(t, f, dest, "a.wt", 0)

	// The destination file exists at full size with one full-length hole.
	assert.Equal(t, int64(4096), int64(len(readDestFile(t, dest, "a.wt"))))
	assert.Equal(t, ranges.Ranges{{Pos: 0, Size: 4096}}, h.Holes())
	assert.True(t, h.newlyCreated)

	require.NoError(t, h.FillHoles(context.Background()))
	assert.Empty(t, h.Holes())
	assert.True(t, h.Complete())
	assert.Nil(t, h.source)
	assert.Equal(t, contents, readDestFile(t, dest, "a.wt"))
	assert.True(t, destFileExists(t, dest, "a.wt.stop"))

	require.NoError(t, h.Close())
}

// TestWriteSplitsHole writes into the middle of the sole hole and checks
// the reads compose both layers.
func TestWriteSplitsHole(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 10000)}, Options{})
	h := openData(t, f, dest, "a.wt", 0)
	defer func() {
		require.NoError(t, h.Close())
	}()

	require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 5000))
	assert.Equal(t, ranges.Ranges{{Pos: 0, Size: 5000}, {Pos: 5100, Size: 4900}}, h.Holes())
	assert.Equal(t, repeat("B", 100), readDestFile(t, dest, "a.wt")[5000:5100])

	// Reads are block-shaped: each lies entirely inside or outside a hole.
	buf := make([]byte, 5000)
	require.NoError(t, h.ReadAt(buf, 0))
	assert.Equal(t, repeat("A", 5000), string(buf))

	buf = make([]byte, 100)
	require.NoError(t, h.ReadAt(buf, 5000))
	assert.Equal(t, repeat("B", 100), string(buf))

	buf = make([]byte, 4900)
	require.NoError(t, h.ReadAt(buf, 5100))
	assert.Equal(t, repeat("A", 4900), string(buf))
}

// TestPartialRead reads across the boundary a background fill just moved,
// the one read shape allowed to straddle a hole edge.
func TestPartialRead(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 10000)}, Options{ReadSize: 4096})
	h := openData(t, f, dest, "a.wt", 0)
	defer func() {
		require.NoError(t, h.Close())
	}()

	require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 5000))

	// One background chunk fills [0,4096).
	buf := make([]byte, f.opt.ReadSize)
	var msgCount int64
	h.mu.Lock()
	finished, err := h.fillHole(buf, time.Now(), &msgCount)
	h.mu.Unlock()
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, ranges.Ranges{{Pos: 4096, Size: 904}, {Pos: 5100, Size: 4900}}, h.Holes())

	// A read beginning in the filled part and ending inside the hole is
	// seamlessly stitched from both layers.
	out := make([]byte, 200)
	require.NoError(t, h.ReadAt(out, 4000))
	assert.Equal(t, repeat("A", 200), string(out))
}

// TestReadShapeViolations checks the two impossible read shapes are
// reported as corruption and flip the panic flag.
func TestReadShapeViolations(t *testing.T) {
	t.Run("BeginsInHoleEndsOutside", func(t *testing.T) {
		f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 300)}, Options{})
		h := openData(t, f, dest, "a.wt", 0)
		require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 100))
		// holes are now [0,100) and [200,300)

		err := h.ReadAt(make([]byte, 100), 50)
		assert.ErrorIs(t, err, fs.ErrorCorrupt)
		assert.True(t, f.Panicked())
	})
	t.Run("EncompassesHole", func(t *testing.T) {
		f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 300)}, Options{})
		h := openData(t, f, dest, "a.wt", 0)
		require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 0))
		require.NoError(t, h.WriteAt([]byte(repeat("B", 150)), 150))
		// the only hole left is [100,150)

		err := h.ReadAt(make([]byte, 300), 0)
		assert.ErrorIs(t, err, fs.ErrorCorrupt)
		assert.True(t, f.Panicked())
	})
}

func TestZeroLengthIO(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 1000)}, Options{})
	h := openData(t, f, dest, "a.wt", 0)
	defer func() {
		require.NoError(t, h.Close())
	}()

	before := h.Holes()
	require.NoError(t, h.ReadAt(nil, 500))
	require.NoError(t, h.WriteAt(nil, 500))
	assert.Equal(t, before, h.Holes())
}

func TestTruncate(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 1000)}, Options{})
	h := openData(t, f, dest, "a.wt", 0)
	defer func() {
		require.NoError(t, h.Close())
	}()

	// Truncate to the current size is a no-op
	require.NoError(t, h.Truncate(1000))
	assert.Equal(t, ranges.Ranges{{Pos: 0, Size: 1000}}, h.Holes())

	// Truncating smaller clips the straddling extent
	require.NoError(t, h.Truncate(500))
	assert.Equal(t, ranges.Ranges{{Pos: 0, Size: 500}}, h.Holes())
	size, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(500), size)

	// Truncating larger extends the file without growing any hole
	require.NoError(t, h.Truncate(1500))
	assert.Equal(t, ranges.Ranges{{Pos: 0, Size: 500}}, h.Holes())
	size, err = h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), size)
}

// TestWriteBoundaries exercises writes exactly at, just before and just
// after a hole edge.
func TestWriteBoundaries(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 1000)}, Options{})
	h := openData(t, f, dest, "a.wt", 0)
	defer func() {
		require.NoError(t, h.Close())
	}()

	// Shrink the hole from the front
	require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 0))
	assert.Equal(t, ranges.Ranges{{Pos: 100, Size: 900}}, h.Holes())

	// A write ending exactly at the hole start doesn't touch it
	require.NoError(t, h.WriteAt([]byte(repeat("B", 50)), 50))
	assert.Equal(t, ranges.Ranges{{Pos: 100, Size: 900}}, h.Holes())

	// A write crossing the edge shrinks it further
	require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 50))
	assert.Equal(t, ranges.Ranges{{Pos: 150, Size: 850}}, h.Holes())

	// An interior write splits the hole
	require.NoError(t, h.WriteAt([]byte(repeat("B", 100)), 400))
	assert.Equal(t, ranges.Ranges{{Pos: 150, Size: 250}, {Pos: 500, Size: 500}}, h.Holes())
}

// TestTurtleFilledOnClose checks the metadata turtle file migrates fully
// when it is closed.
func TestTurtleFilledOnClose(t *testing.T) {
	contents := repeat("T", 600)
	f, dest := newTestFS(t, map[string]string{turtleFileName: contents}, Options{ReadSize: 256})
	h := openData(t, f, dest, turtleFileName, 0)
	assert.False(t, h.Complete())

	require.NoError(t, h.Close())
	assert.Equal(t, contents, readDestFile(t, dest, turtleFileName))
	assert.True(t, destFileExists(t, dest, turtleFileName+".stop"))
}

// TestFillHolesByteByByte copies with the smallest possible chunk size.
func TestFillHolesByteByByte(t *testing.T) {
	contents := "0123456789abcdef"
	f, dest := newTestFS(t, map[string]string{"a.wt": contents}, Options{ReadSize: 1})
	h := openData(t, f, dest, "a.wt", 0)

	require.NoError(t, h.FillHoles(context.Background()))
	assert.Equal(t, contents, readDestFile(t, dest, "a.wt"))
	require.NoError(t, h.Close())
}

// TestForegroundWriteDuringFill interleaves a foreground write with
// background chunks and checks the write wins.
func TestForegroundWriteDuringFill(t *testing.T) {
	f, dest := newTestFS(t, map[string]string{"a.wt": repeat("A", 8192)}, Options{ReadSize: 1024})
	h := openData(t, f, dest, "a.wt", 0)

	// Fill one chunk, then overwrite a block further in, then finish.
	buf := make([]byte, f.opt.ReadSize)
	var msgCount int64
	h.mu.Lock()
	_, err := h.fillHole(buf, time.Now(), &msgCount)
	h.mu.Unlock()
	require.NoError(t, err)

	require.NoError(t, h.WriteAt([]byte(repeat("B", 1024)), 4096))
	require.NoError(t, h.FillHoles(context.Background()))

	got := readDestFile(t, dest, "a.wt")
	assert.Equal(t, repeat("A", 4096)+repeat("B", 1024)+repeat("A", 3072), got)
	require.NoError(t, h.Close())
}
