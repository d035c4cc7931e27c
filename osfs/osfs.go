// Package osfs implements the file system surface over a local disk.
//
// It carries no policy: every decision about layers, stop files or
// migration lives above it in the live restore file system.
package osfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/livefs/livefs/fs"
)

// FileSystem implements fs.FileSystem against the local disk.
type FileSystem struct{}

// New returns a local disk file system.
func New() *FileSystem {
	return &FileSystem{}
}

// String converts this FileSystem to a string
func (f *FileSystem) String() string {
	return "local file system"
}

// mapError converts errors from the os package into their fs equivalents.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fs.ErrorNotFound
	}
	if os.IsExist(err) {
		return fs.ErrorExists
	}
	return err
}

// Open opens or creates the named file.
func (f *FileSystem) Open(ctx context.Context, name string, typ fs.FileType, flags fs.OpenFlag) (fs.FileHandle, error) {
	if typ == fs.TypeDirectory {
		fi, err := os.Stat(name)
		if err != nil {
			return nil, mapError(err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("open %q as directory: %w", name, fs.ErrorInvalid)
		}
		return &Handle{name: name, dir: true}, nil
	}

	osFlags := os.O_RDWR
	if flags.IsSet(fs.OpenReadOnly) {
		osFlags = os.O_RDONLY
	}
	if flags.IsSet(fs.OpenCreate) {
		osFlags |= os.O_CREATE
	}
	if flags.IsSet(fs.OpenCreate | fs.OpenExclusive) {
		osFlags |= os.O_EXCL
	}
	if flags.IsSet(fs.OpenDurable) {
		osFlags |= os.O_SYNC
	}
	fd, err := os.OpenFile(name, osFlags, 0o666)
	if err != nil {
		return nil, mapError(err)
	}
	return &Handle{name: name, fd: fd}, nil
}

// DirectoryList lists the names in dir that begin with prefix.
func (f *FileSystem) DirectoryList(ctx context.Context, dir, prefix string) ([]string, error) {
	return f.list(dir, prefix, false)
}

// DirectoryListSingle is DirectoryList stopping at the first match.
func (f *FileSystem) DirectoryListSingle(ctx context.Context, dir, prefix string) ([]string, error) {
	return f.list(dir, prefix, true)
}

func (f *FileSystem) list(dir, prefix string, single bool) ([]string, error) {
	fd, err := os.Open(dir)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		_ = fd.Close()
	}()
	all, err := fd.Readdirnames(-1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read directory %q: %w", dir, err)
	}
	var names []string
	for _, name := range all {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
		if single {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exist reports whether the named file exists.
func (f *FileSystem) Exist(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Remove removes the named file.
func (f *FileSystem) Remove(ctx context.Context, name string) error {
	return mapError(os.Remove(name))
}

// Rename renames a file.
func (f *FileSystem) Rename(ctx context.Context, from, to string) error {
	return mapError(os.Rename(from, to))
}

// Size returns the size of the named file.
func (f *FileSystem) Size(ctx context.Context, name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, mapError(err)
	}
	return fi.Size(), nil
}

// Terminate releases any resources held by the file system.
func (f *FileSystem) Terminate(ctx context.Context) error {
	return nil
}

// Mkdir creates the named directory if it doesn't already exist.
func (f *FileSystem) Mkdir(ctx context.Context, name string) error {
	err := os.Mkdir(name, 0o755)
	if err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// Handle is an open file on the local disk.
type Handle struct {
	name string
	fd   *os.File
	dir  bool
}

// Name returns the name the file was opened with.
func (h *Handle) Name() string {
	return h.name
}

// ReadAt reads len(b) bytes at off. A read past the end of the file is an
// error - the callers above read exact sizes.
func (h *Handle) ReadAt(b []byte, off int64) error {
	if h.dir {
		return fs.ErrorUnsupported
	}
	n, err := h.fd.ReadAt(b, off)
	if err != nil && !(err == io.EOF && n == len(b)) {
		return fmt.Errorf("failed to read %q at %d: %w", h.name, off, err)
	}
	return nil
}

// WriteAt writes len(b) bytes at off.
func (h *Handle) WriteAt(b []byte, off int64) error {
	if h.dir {
		return fs.ErrorUnsupported
	}
	_, err := h.fd.WriteAt(b, off)
	if err != nil {
		return fmt.Errorf("failed to write %q at %d: %w", h.name, off, err)
	}
	return nil
}

// Truncate sets the file size.
func (h *Handle) Truncate(size int64) error {
	if h.dir {
		return fs.ErrorUnsupported
	}
	return h.fd.Truncate(size)
}

// Sync flushes the file to stable storage. Syncing a directory flushes its
// entry metadata.
func (h *Handle) Sync() error {
	if h.dir {
		fd, err := os.Open(h.name)
		if err != nil {
			return mapError(err)
		}
		syncErr := fd.Sync()
		closeErr := fd.Close()
		if syncErr != nil {
			return syncErr
		}
		return closeErr
	}
	return h.fd.Sync()
}

// Size returns the current size of the file.
func (h *Handle) Size() (int64, error) {
	if h.dir {
		return 0, fs.ErrorUnsupported
	}
	fi, err := h.fd.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close closes the handle.
func (h *Handle) Close() error {
	if h.dir {
		return nil
	}
	return h.fd.Close()
}

// Check the interfaces are satisfied
var (
	_ fs.FileSystem = (*FileSystem)(nil)
	_ fs.FileHandle = (*Handle)(nil)
)
