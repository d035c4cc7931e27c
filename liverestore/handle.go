package liverestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livefs/livefs/fs"
	"github.com/livefs/livefs/lib/ranges"
)

// Fill loop tuning. The yield lets foreground reads and writes interleave
// with the background copy, the message period paces the progress lines.
const (
	fillYield      = 10 * time.Microsecond
	progressPeriod = 10 * time.Second
)

// FileHandle composes a writable destination handle with an optional
// read-only source handle. The holes list records the byte ranges whose
// authoritative contents still live only in the source.
type FileHandle struct {
	f        *FileSystem
	name     string // as passed by the caller, rooted in the destination home
	fileType fs.FileType

	dest       fs.FileHandle
	source     fs.FileHandle
	sourceSize int64

	mu           sync.RWMutex // guards holes, complete and newlyCreated
	holes        ranges.Ranges
	complete     bool
	newlyCreated bool
}

// String converts this FileHandle to a string
func (h *FileHandle) String() string {
	return h.name
}

// Name returns the name the file was opened with.
func (h *FileHandle) Name() string {
	return h.name
}

type serviceState int

const (
	serviceFull serviceState = iota
	serviceNone
	servicePartial
)

// canServiceRead decides whether a read can be serviced by the destination
// file. Callers must hold the holes lock, read at a minimum.
//
// There are three possible outcomes:
//   - the read overlaps no hole and is served entirely from the destination,
//   - the read lies entirely inside one hole and is served from the source,
//   - the read begins outside every hole and ends inside one. This only
//     happens when background migration has partially filled the hole the
//     read overlaps. The background threads copy in ascending offset order
//     so the filled part can only be the leading part.
//
// Every other shape means the hole list no longer describes the file and is
// reported as corruption.
func (h *FileHandle) canServiceRead(off, length int64) (serviceState, ranges.Range, error) {
	if h.complete || h.source == nil {
		return serviceFull, ranges.Range{}, nil
	}
	r := ranges.Range{Pos: off, Size: length}
	for _, hole := range h.holes {
		if hole.Pos >= r.End() {
			// All later holes are past the read.
			break
		}
		if r.Pos < hole.Pos && r.End() > hole.End() {
			return serviceFull, ranges.Range{}, fmt.Errorf(
				"read %d-%d encompasses hole %d-%d in %q: %w",
				r.Pos, r.End(), hole.Pos, hole.End(), h.name, fs.ErrorCorrupt)
		}
		beginsInHole := hole.Contains(r.Pos)
		endsInHole := r.End() > hole.Pos && r.End() <= hole.End()
		switch {
		case beginsInHole && endsInHole:
			return serviceNone, hole, nil
		case !beginsInHole && endsInHole:
			return servicePartial, hole, nil
		case beginsInHole:
			return serviceFull, ranges.Range{}, fmt.Errorf(
				"read %d-%d begins in hole %d-%d of %q but does not end in it: %w",
				r.Pos, r.End(), hole.Pos, hole.End(), h.name, fs.ErrorCorrupt)
		}
	}
	return serviceFull, ranges.Range{}, nil
}

// ReadAt reads len(b) bytes at off, composing the destination and source
// layers as the hole list dictates.
func (h *FileHandle) ReadAt(b []byte, off int64) error {
	if len(b) == 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, hole, err := h.canServiceRead(off, int64(len(b)))
	if err != nil {
		h.f.setPanic()
		return err
	}
	switch state {
	case serviceFull:
		return h.dest.ReadAt(b, off)
	case serviceNone:
		return h.source.ReadAt(b, off)
	}
	// The leading part of the read is present in the destination, the rest
	// still lives in the source.
	destLen := hole.Pos - off
	fs.Debugf(h, "partial read at %d: %d bytes from destination, %d from source", off, destLen, int64(len(b))-destLen)
	if err := h.dest.ReadAt(b[:destLen], off); err != nil {
		return err
	}
	return h.source.ReadAt(b[destLen:], hole.Pos)
}

// writeLocked writes to the destination and then shrinks the hole list.
// Callers must hold the holes write lock. The holes only shrink after the
// destination write succeeded, so a failed write leaves the map intact.
func (h *FileHandle) writeLocked(b []byte, off int64) error {
	if err := h.dest.WriteAt(b, off); err != nil {
		return err
	}
	h.holes.Remove(ranges.Range{Pos: off, Size: int64(len(b))})
	return nil
}

// WriteAt writes len(b) bytes at off. The write always lands in the
// destination and the written range stops being a hole.
func (h *FileHandle) WriteAt(b []byte, off int64) error {
	if len(b) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeLocked(b, off)
}

// Truncate sets the file size. The truncated or extended range will never
// need to be read from the source again, so the corresponding extents go
// away first.
func (h *FileHandle) Truncate(size int64) error {
	old, err := h.dest.Size()
	if err != nil {
		return err
	}
	if size == old {
		return nil
	}
	fs.Debugf(h, "truncating from %d to %d", old, size)
	h.mu.Lock()
	defer h.mu.Unlock()
	start := min(size, old)
	h.holes.Remove(ranges.Range{Pos: start, Size: max(size, old) - start})
	return h.dest.Truncate(size)
}

// Sync flushes the destination. The source is read-only.
func (h *FileHandle) Sync() error {
	return h.dest.Sync()
}

// Size returns the size of the destination file.
func (h *FileHandle) Size() (int64, error) {
	return h.dest.Size()
}

// fillHole copies the leading chunk of the first hole from the source into
// the destination. Callers must hold the holes write lock. Returns true
// when there are no holes left.
func (h *FileHandle) fillHole(buf []byte, start time.Time, msgCount *int64) (bool, error) {
	hole := h.holes.First()
	if hole.IsEmpty() {
		return true, nil
	}
	chunk := min(hole.Size, int64(len(buf)))
	if elapsed := time.Since(start); elapsed/progressPeriod > time.Duration(*msgCount) {
		fs.Infof(h, "live restore running for %d seconds, copying offset %d of %d bytes",
			int64(elapsed/time.Second), hole.Pos, h.sourceSize)
		*msgCount = int64(elapsed / progressPeriod)
	}
	if err := h.source.ReadAt(buf[:chunk], hole.Pos); err != nil {
		return false, err
	}
	return false, h.writeLocked(buf[:chunk], hole.Pos)
}

// FillHoles copies all remaining data from the source to the destination.
// On return the hole list is empty, the source handle is closed and the
// handle is complete. The lock is dropped between chunks so foreground
// reads and writes can interleave.
func (h *FileHandle) FillHoles(ctx context.Context) error {
	h.mu.RLock()
	done := h.complete || h.source == nil
	h.mu.RUnlock()
	if done {
		return nil
	}

	buf := make([]byte, h.f.opt.ReadSize)
	start := time.Now()
	var msgCount int64
	for {
		h.mu.Lock()
		finished, err := h.fillHole(buf, start, &msgCount)
		h.mu.Unlock()
		if err != nil {
			return err
		}
		if finished {
			break
		}
		if h.f.Panicked() {
			return fs.ErrorPanic
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(fillYield)
	}

	// Losing one of the copy writes in a crash would leave its hole behind
	// and the copy would simply run again on restart, but sync anyway
	// rather than depend on that.
	if err := h.dest.Sync(); err != nil {
		return err
	}

	h.mu.Lock()
	source := h.source
	h.source = nil
	h.complete = true
	h.mu.Unlock()
	if source != nil {
		if err := source.Close(); err != nil {
			return err
		}
	}
	// The source must never be consulted for this name again.
	return h.f.createStopFile(context.Background(), h.name, false)
}

// Close closes the handle. The metadata turtle file can never be queued
// for background migration, so it is the one file whose remaining holes
// are filled on close.
func (h *FileHandle) Close() error {
	if h.dest != nil && h.fileType == fs.TypeData && isTurtleFile(h.name) {
		fs.Debugf(h, "filling holes for the turtle file on close")
		if err := h.FillHoles(context.Background()); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.holes = nil
	source := h.source
	h.source = nil
	h.mu.Unlock()

	var err error
	if h.dest != nil {
		err = h.dest.Close()
	}
	if source != nil {
		if closeErr := source.Close(); err == nil {
			err = closeErr
		}
	}
	h.f.forgetHandle(h)
	return err
}

// Holes returns a copy of the current hole list.
func (h *FileHandle) Holes() ranges.Ranges {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(ranges.Ranges(nil), h.holes...)
}

// Complete reports whether the file no longer depends on the source.
func (h *FileHandle) Complete() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.complete
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Check the interfaces are satisfied
var _ fs.FileHandle = (*FileHandle)(nil)
