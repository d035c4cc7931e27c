// Package liverestore implements a file system that serves a database
// from a read-only source directory while the data migrates into a
// writable destination directory.
//
// The destination is usable immediately: reads fall through to the source
// wherever the destination still has a hole, writes always land in the
// destination, and a background server copies everything else across. Once
// migration finishes the source is never consulted again.
package liverestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/livefs/livefs/fs"
	"github.com/livefs/livefs/lib/ranges"
	"github.com/livefs/livefs/osfs"
)

const (
	// stopFileSuffix marks names for which the source must never be
	// consulted again. "foo.wt" has the stop file "foo.wt.stop": the file
	// may have finished migrating, or been removed or renamed, in which
	// case the stop file guards against a recreated "foo.wt" falling
	// through to stale source contents.
	stopFileSuffix = ".stop"
	// tempFileSuffix is the staging name used by atomic copies. Safe to
	// delete at any time.
	tempFileSuffix = ".lr_tmp"
	// turtleFileName is the metadata turtle file, the one data file whose
	// holes are filled on close.
	turtleFileName = "WiredTiger.turtle"
)

// DefaultReadSize is the copy chunk size used when Options.ReadSize is
// left zero.
const DefaultReadSize = 1 << 20

// DefaultThreadsMax is the background worker count used when
// Options.ThreadsMax is left zero.
const DefaultThreadsMax = 8

// Options configures a live restore file system.
type Options struct {
	// SourcePath is the read-only directory the database is being
	// restored from. Required.
	SourcePath string
	// ThreadsMax is the number of background migration workers. Zero
	// means DefaultThreadsMax; negative disables the background server.
	ThreadsMax int
	// ReadSize is the chunk size for hole filling and atomic copies. Must
	// be a power of two. Zero means DefaultReadSize.
	ReadSize int64
	// LogPath is the log subdirectory inside the destination, relative.
	// Empty means logging is not configured.
	LogPath string
}

// mkdirer is the optional directory creation feature of a backing file
// system.
type mkdirer interface {
	Mkdir(ctx context.Context, name string) error
}

type layerType int

const (
	layerDestination layerType = iota
	layerSource
)

// FileSystem composes a writable destination directory over a read-only
// source directory.
type FileSystem struct {
	home    string // destination root
	source  string // source root
	backing fs.FileSystem
	opt     Options

	stateMu sync.RWMutex
	state   State

	panicked int32

	handleMu sync.Mutex
	handles  map[string]*FileHandle // open data handles by name
}

// New mounts a live restore file system with home as the destination
// directory. The source and destination are validated against the
// persisted state before the file system is usable.
func New(ctx context.Context, home string, opt Options) (*FileSystem, error) {
	if opt.SourcePath == "" {
		return nil, fmt.Errorf("live restore requires a source path: %w", fs.ErrorInvalid)
	}
	if opt.ReadSize == 0 {
		opt.ReadSize = DefaultReadSize
	}
	if opt.ReadSize < 0 || opt.ReadSize&(opt.ReadSize-1) != 0 {
		return nil, fmt.Errorf("read size %d is not a power of two: %w", opt.ReadSize, fs.ErrorInvalid)
	}
	if opt.ThreadsMax == 0 {
		opt.ThreadsMax = DefaultThreadsMax
	}
	if opt.LogPath != "" && filepath.IsAbs(opt.LogPath) {
		return nil, fmt.Errorf("log path %q must be relative: %w", opt.LogPath, fs.ErrorInvalid)
	}

	f := &FileSystem{
		home:    home,
		source:  opt.SourcePath,
		backing: osfs.New(),
		opt:     opt,
		handles: make(map[string]*FileHandle),
	}

	// The source must at least be an openable directory. What it contains
	// is checked per-state below.
	if dir, err := f.backing.Open(ctx, f.source, fs.TypeDirectory, 0); err != nil {
		return nil, fmt.Errorf("failed to open source %q: %w", f.source, err)
	} else if err := dir.Close(); err != nil {
		return nil, err
	}
	if m, ok := f.backing.(mkdirer); ok {
		if err := m.Mkdir(ctx, home); err != nil {
			return nil, err
		}
	}

	if err := f.validateDirectories(ctx); err != nil {
		return nil, err
	}
	if err := f.initState(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// String converts this FileSystem to a string
func (f *FileSystem) String() string {
	return fmt.Sprintf("live restore of %q into %q", f.source, f.home)
}

// Options returns the options the file system was mounted with.
func (f *FileSystem) Options() Options {
	return f.opt
}

// Home returns the destination root.
func (f *FileSystem) Home() string {
	return f.home
}

// setPanic flags the file system as panicked after an invariant
// violation. Long-running copy loops observe it and stop.
func (f *FileSystem) setPanic() {
	atomic.StoreInt32(&f.panicked, 1)
	fs.Errorf(f, "entering panic state")
}

// Panicked reports whether the file system hit an invariant violation.
func (f *FileSystem) Panicked() bool {
	return atomic.LoadInt32(&f.panicked) != 0
}

// join builds a path under dir.
func join(dir, name string) string {
	return filepath.Join(dir, name)
}

// destPath validates that name is rooted in the destination home and
// returns the path of its destination backing file.
func (f *FileSystem) destPath(name string) (string, error) {
	if !strings.HasPrefix(name, f.home) {
		return "", fmt.Errorf("name %q is not rooted in the destination home %q: %w", name, f.home, fs.ErrorInvalid)
	}
	return name, nil
}

// sourcePath returns the path of name's source backing file, replacing
// the destination home prefix with the source home.
func (f *FileSystem) sourcePath(name string) (string, error) {
	if _, err := f.destPath(name); err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(name, f.home)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	return join(f.source, rel), nil
}

// layerPath returns the backing path of name in the given layer.
func (f *FileSystem) layerPath(name string, layer layerType) (string, error) {
	if layer == layerDestination {
		return f.destPath(name)
	}
	return f.sourcePath(name)
}

// hasFile reports whether name exists in the given layer.
func (f *FileSystem) hasFile(ctx context.Context, name string, layer layerType) (bool, error) {
	path, err := f.layerPath(name, layer)
	if err != nil {
		return false, err
	}
	return f.backing.Exist(ctx, path)
}

// hasStopFile reports whether the destination holds a stop file for name.
func (f *FileSystem) hasStopFile(ctx context.Context, name string) (bool, error) {
	path, err := f.destPath(name)
	if err != nil {
		return false, err
	}
	return f.backing.Exist(ctx, path+stopFileSuffix)
}

// createStopFile records that the source must never be consulted for name
// again. Once migration is complete stop files serve no purpose and none
// are created.
func (f *FileSystem) createStopFile(ctx context.Context, name string, durable bool) error {
	if f.State().MigrationComplete() {
		return nil
	}
	path, err := f.destPath(name)
	if err != nil {
		return err
	}
	flags := fs.OpenCreate
	if durable {
		flags |= fs.OpenDurable
	}
	fs.Debugf(f, "creating stop file for %q", name)
	fh, err := f.backing.Open(ctx, path+stopFileSuffix, fs.TypeRegular, flags)
	if err != nil {
		return err
	}
	return fh.Close()
}

// findLayer returns which layer holds name. The source is only consulted
// while migration is still in progress.
func (f *FileSystem) findLayer(ctx context.Context, name string) (layerType, bool, error) {
	exists, err := f.hasFile(ctx, name, layerDestination)
	if err != nil || exists {
		return layerDestination, exists, err
	}
	if f.State().MigrationComplete() {
		return layerDestination, false, nil
	}
	exists, err = f.hasFile(ctx, name, layerSource)
	return layerSource, exists, err
}

// Exist reports whether the named file exists in either layer.
func (f *FileSystem) Exist(ctx context.Context, name string) (bool, error) {
	_, exists, err := f.findLayer(ctx, name)
	return exists, err
}

// DirectoryList lists dir: the destination names (stop files excluded)
// plus the source names that have neither a destination counterpart nor a
// stop file. After migration the source is never inspected.
func (f *FileSystem) DirectoryList(ctx context.Context, dir, prefix string) ([]string, error) {
	return f.directoryList(ctx, dir, prefix, false)
}

// DirectoryListSingle is DirectoryList stopping at the first match.
func (f *FileSystem) DirectoryListSingle(ctx context.Context, dir, prefix string) ([]string, error) {
	return f.directoryList(ctx, dir, prefix, true)
}

func (f *FileSystem) directoryList(ctx context.Context, dir, prefix string, single bool) ([]string, error) {
	destDir, err := f.destPath(dir)
	if err != nil {
		return nil, err
	}
	var entries []string
	destExists, err := f.backing.Exist(ctx, destDir)
	if err != nil {
		return nil, err
	}
	if destExists {
		names, err := f.backing.DirectoryList(ctx, destDir, prefix)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if strings.HasSuffix(name, stopFileSuffix) {
				continue
			}
			entries = append(entries, name)
			if single {
				return entries, nil
			}
		}
	}

	if f.State().MigrationComplete() {
		return entries, nil
	}

	sourceDir, err := f.sourcePath(dir)
	if err != nil {
		return nil, err
	}
	sourceExists, err := f.backing.Exist(ctx, sourceDir)
	if err != nil {
		return nil, err
	}
	if sourceExists {
		names, err := f.backing.DirectoryList(ctx, sourceDir, prefix)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if strings.HasSuffix(name, stopFileSuffix) {
				return nil, fmt.Errorf("stop file %q found in the source directory: %w", name, fs.ErrorCorrupt)
			}
			if destExists {
				inDest, err := f.backing.Exist(ctx, join(destDir, name))
				if err != nil {
					return nil, err
				}
				haveStop, err := f.backing.Exist(ctx, join(destDir, name+stopFileSuffix))
				if err != nil {
					return nil, err
				}
				if inDest || haveStop {
					continue
				}
			}
			entries = append(entries, name)
			if single {
				return entries, nil
			}
		}
	}

	if !destExists && !sourceExists {
		return nil, fmt.Errorf("cannot list %q, directory exists in neither layer: %w", dir, fs.ErrorNotFound)
	}
	return entries, nil
}

// Remove removes the named file from the destination and leaves a stop
// file behind. The source is never touched.
func (f *FileSystem) Remove(ctx context.Context, name string) error {
	layer, exists, err := f.findLayer(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if layer == layerDestination {
		path, err := f.destPath(name)
		if err != nil {
			return err
		}
		if err := f.backing.Remove(ctx, path); err != nil {
			return err
		}
	}
	// Removing a file that only exists in the source still needs the stop
	// file so a recreated file with the same name doesn't resurrect the
	// source contents.
	return f.createStopFile(ctx, name, false)
}

// Rename renames a destination file and drops stop files for both names.
// A file living only in the source cannot be renamed.
func (f *FileSystem) Rename(ctx context.Context, from, to string) error {
	fs.Debugf(f, "renaming %q to %q", from, to)
	layer, exists, err := f.findLayer(ctx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("cannot find %q: %w", from, fs.ErrorNotFound)
	}
	if layer != layerDestination {
		return fmt.Errorf("cannot rename %q, it does not exist in the destination: %w", from, fs.ErrorInvalid)
	}
	fromPath, err := f.destPath(from)
	if err != nil {
		return err
	}
	toPath, err := f.destPath(to)
	if err != nil {
		return err
	}
	if err := f.backing.Rename(ctx, fromPath, toPath); err != nil {
		return err
	}
	if err := f.createStopFile(ctx, to, false); err != nil {
		return err
	}
	return f.createStopFile(ctx, from, false)
}

// Size returns the size of the destination copy if present, otherwise of
// the source copy.
func (f *FileSystem) Size(ctx context.Context, name string) (int64, error) {
	layer, exists, err := f.findLayer(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("cannot find %q: %w", name, fs.ErrorNotFound)
	}
	path, err := f.layerPath(name, layer)
	if err != nil {
		return 0, err
	}
	return f.backing.Size(ctx, path)
}

// Terminate releases the file system.
func (f *FileSystem) Terminate(ctx context.Context) error {
	return f.backing.Terminate(ctx)
}

// rememberHandle registers an open data handle so the background server
// can reach it without reopening the file.
func (f *FileSystem) rememberHandle(h *FileHandle) {
	f.handleMu.Lock()
	f.handles[h.name] = h
	f.handleMu.Unlock()
}

// forgetHandle drops a handle from the registry on close.
func (f *FileSystem) forgetHandle(h *FileHandle) {
	f.handleMu.Lock()
	if f.handles[h.name] == h {
		delete(f.handles, h.name)
	}
	f.handleMu.Unlock()
}

// lookupHandle returns the open data handle for name, if any.
func (f *FileSystem) lookupHandle(name string) *FileHandle {
	f.handleMu.Lock()
	defer f.handleMu.Unlock()
	return f.handles[name]
}

// Open opens or creates the named file.
//
// Data files track holes: opening one that exists in the source but not
// the destination creates a destination file of the same size backed by a
// single full-length hole. Regular and log files are atomically copied in
// full on first open. Directories are created on demand and are always
// complete.
func (f *FileSystem) Open(ctx context.Context, name string, typ fs.FileType, flags fs.OpenFlag) (fs.FileHandle, error) {
	if _, err := f.destPath(name); err != nil {
		return nil, err
	}
	h := &FileHandle{f: f, name: name, fileType: typ}
	var err error
	if typ == fs.TypeDirectory {
		err = f.openDirectory(ctx, h, flags)
	} else {
		err = f.openFile(ctx, h, typ, flags)
	}
	if err != nil {
		// Free whatever part of the handle got built.
		_ = h.Close()
		return nil, err
	}
	if typ == fs.TypeData {
		f.rememberHandle(h)
	}
	return h, nil
}

// openDirectory ensures the destination directory exists and opens it.
// Directory contents are not copied - their files migrate individually -
// so a directory handle is complete from the start.
func (f *FileSystem) openDirectory(ctx context.Context, h *FileHandle, flags fs.OpenFlag) error {
	path, err := f.destPath(h.name)
	if err != nil {
		return err
	}
	destExists, err := f.hasFile(ctx, h.name, layerDestination)
	if err != nil {
		return err
	}
	if !destExists {
		sourceExists, err := f.hasFile(ctx, h.name, layerSource)
		if err != nil {
			return err
		}
		if !sourceExists && !flags.IsSet(fs.OpenCreate) {
			return fmt.Errorf("directory %q does not exist in source or destination: %w", h.name, fs.ErrorNotFound)
		}
		m, ok := f.backing.(mkdirer)
		if !ok {
			return fmt.Errorf("backing file system cannot create directories: %w", fs.ErrorUnsupported)
		}
		if err := m.Mkdir(ctx, path); err != nil {
			return err
		}
	}
	dest, err := f.backing.Open(ctx, path, fs.TypeDirectory, flags)
	if err != nil {
		return err
	}
	h.dest = dest
	h.complete = true
	return nil
}

// openFile opens a non-directory file, resolving the layers, stop files
// and creation flags.
func (f *FileSystem) openFile(ctx context.Context, h *FileHandle, typ fs.FileType, flags fs.OpenFlag) error {
	state := f.State()
	destExists, err := f.hasFile(ctx, h.name, layerDestination)
	if err != nil {
		return err
	}
	checkSource := !state.MigrationComplete()
	haveStop := false
	if checkSource {
		haveStop, err = f.hasStopFile(ctx, h.name)
		if err != nil {
			return err
		}
		checkSource = !haveStop
	}
	sourceExists := false
	if checkSource {
		sourceExists, err = f.hasFile(ctx, h.name, layerSource)
		if err != nil {
			return err
		}
	}

	create := flags.IsSet(fs.OpenCreate)
	switch {
	case (destExists || sourceExists) && create && flags.IsSet(fs.OpenExclusive):
		return fmt.Errorf("file %q already exists, cannot create exclusively: %w", h.name, fs.ErrorExists)
	case !destExists && !sourceExists && !create:
		return fmt.Errorf("file %q doesn't exist and create was not requested: %w", h.name, fs.ErrorNotFound)
	case !destExists && haveStop && !create:
		return fmt.Errorf("file %q has been deleted in the destination: %w", h.name, fs.ErrorNotFound)
	}

	if typ == fs.TypeData {
		return f.openDataFile(ctx, h, flags, haveStop, destExists, sourceExists)
	}
	return f.openRegularFile(ctx, h, typ, flags, destExists, sourceExists)
}

// openDataFile opens a data file, the only type holes are tracked for.
func (f *FileSystem) openDataFile(ctx context.Context, h *FileHandle, flags fs.OpenFlag, haveStop, destExists, sourceExists bool) error {
	if haveStop || f.State().MigrationComplete() || !sourceExists {
		h.complete = true
		return f.openInDestination(ctx, h, flags, !destExists)
	}

	if err := f.openInSource(ctx, h, flags); err != nil {
		return err
	}
	size, err := h.source.Size()
	if err != nil {
		return err
	}
	h.sourceSize = size
	fs.Debugf(h, "opened source file, size %d", size)

	if err := f.openInDestination(ctx, h, flags, !destExists); err != nil {
		return err
	}
	if !destExists {
		// A fresh destination file backed by a source file. Give it the
		// source's length - bypassing the hole accounting - and a single
		// hole covering the whole file.
		if err := h.dest.Truncate(size); err != nil {
			return err
		}
		h.newlyCreated = true
		h.holes = ranges.Ranges{{Pos: 0, Size: size}}
	}
	// Otherwise the holes arrive later via ImportExtents from the file's
	// metadata.
	return nil
}

// openRegularFile opens a regular or log file. These are copied whole on
// first open and complete from then on.
func (f *FileSystem) openRegularFile(ctx context.Context, h *FileHandle, typ fs.FileType, flags fs.OpenFlag, destExists, sourceExists bool) error {
	if !destExists && sourceExists {
		if err := f.atomicCopy(ctx, h.name, typ); err != nil {
			return err
		}
		destExists = true
	}
	h.complete = true
	return f.openInDestination(ctx, h, flags, !destExists)
}

// openInDestination opens the destination backing file.
func (f *FileSystem) openInDestination(ctx context.Context, h *FileHandle, flags fs.OpenFlag, create bool) error {
	path, err := f.destPath(h.name)
	if err != nil {
		return err
	}
	if create {
		flags |= fs.OpenCreate
	}
	dest, err := f.backing.Open(ctx, path, h.fileType, flags)
	if err != nil {
		return err
	}
	h.dest = dest
	return nil
}

// openInSource opens the source backing file read-only. The create flag
// comes from up the stack which has no concept of layers - it never
// applies to the source.
func (f *FileSystem) openInSource(ctx context.Context, h *FileHandle, flags fs.OpenFlag) error {
	path, err := f.sourcePath(h.name)
	if err != nil {
		return err
	}
	flags &^= fs.OpenCreate | fs.OpenExclusive
	source, err := f.backing.Open(ctx, path, h.fileType, flags|fs.OpenReadOnly)
	if err != nil {
		return err
	}
	h.source = source
	return nil
}

// atomicCopy copies name from the source into the destination through a
// temporary file. The final rename is the commit point: a crash at any
// earlier moment leaves only the staging file, which the next open
// removes.
func (f *FileSystem) atomicCopy(ctx context.Context, name string, typ fs.FileType) error {
	if f.State().MigrationComplete() {
		return fmt.Errorf("atomic copy of %q outside the migration phase: %w", name, fs.ErrorInvalid)
	}
	destPath, err := f.destPath(name)
	if err != nil {
		return err
	}
	sourcePath, err := f.sourcePath(name)
	if err != nil {
		return err
	}
	tmpPath := destPath + tempFileSuffix

	// A crash mid-copy leaves the staging file behind.
	tmpExists, err := f.backing.Exist(ctx, tmpPath)
	if err != nil {
		return err
	}
	if tmpExists {
		fs.Logf(f, "found existing temporary file %q, deleting it", tmpPath)
		if err := f.backing.Remove(ctx, tmpPath); err != nil {
			return err
		}
	}

	fs.Debugf(f, "atomically copying %v file %q from source", typ, name)
	source, err := f.backing.Open(ctx, sourcePath, typ, fs.OpenReadOnly)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close()
	}()
	tmp, err := f.backing.Open(ctx, tmpPath, typ, fs.OpenCreate|fs.OpenExclusive)
	if err != nil {
		return err
	}
	tmpClosed := false
	defer func() {
		if !tmpClosed {
			_ = tmp.Close()
		}
	}()

	size, err := source.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, f.opt.ReadSize)
	for off := int64(0); off < size; {
		chunk := min(size-off, f.opt.ReadSize)
		if err := source.ReadAt(buf[:chunk], off); err != nil {
			return err
		}
		if err := tmp.WriteAt(buf[:chunk], off); err != nil {
			return err
		}
		off += chunk
		if f.Panicked() {
			return fs.ErrorPanic
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmpClosed = true
	return f.backing.Rename(ctx, tmpPath, destPath)
}

// CopyLogFiles atomically copies every source log file that is absent
// from the destination. Run while the file system is in the LOG_COPY
// phase, before the background migration starts.
func (f *FileSystem) CopyLogFiles(ctx context.Context) error {
	logDir := f.home
	if f.opt.LogPath != "" {
		logDir = join(f.home, f.opt.LogPath)
		if m, ok := f.backing.(mkdirer); ok {
			if err := m.Mkdir(ctx, logDir); err != nil {
				return err
			}
		}
	}
	names, err := f.DirectoryList(ctx, logDir, "")
	if err != nil {
		if errors.Is(err, fs.ErrorNotFound) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		full := join(logDir, name)
		destExists, err := f.hasFile(ctx, full, layerDestination)
		if err != nil {
			return err
		}
		if destExists {
			continue
		}
		if err := f.atomicCopy(ctx, full, fs.TypeLog); err != nil {
			return err
		}
	}
	return nil
}

// CleanupStopFiles removes every stop file from the destination root and,
// when logging is configured, from the log subdirectory. Runs during the
// CLEAN_UP phase.
func (f *FileSystem) CleanupStopFiles(ctx context.Context) error {
	dirs := []string{f.home}
	if f.opt.LogPath != "" {
		if filepath.IsAbs(f.opt.LogPath) {
			return fmt.Errorf("log path %q must be relative: %w", f.opt.LogPath, fs.ErrorInvalid)
		}
		dirs = append(dirs, join(f.home, f.opt.LogPath))
	}
	for _, dir := range dirs {
		names, err := f.backing.DirectoryList(ctx, dir, "")
		if err != nil {
			if errors.Is(err, fs.ErrorNotFound) {
				continue
			}
			return err
		}
		for _, name := range names {
			if !strings.HasSuffix(name, stopFileSuffix) {
				continue
			}
			fs.Infof(f, "removing stop file %q", join(dir, name))
			if err := f.backing.Remove(ctx, join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// isTurtleFile reports whether name refers to the metadata turtle file.
func isTurtleFile(name string) bool {
	return filepath.Base(name) == turtleFileName
}

// Check the interfaces are satisfied
var _ fs.FileSystem = (*FileSystem)(nil)
