// Package fs defines the file system surface shared by the local disk
// layer and the live restore layer, along with the common error sentinels
// and object-scoped logging helpers.
package fs

import "context"

// FileType describes what kind of file is being opened. Data files are the
// only type the live restore layer tracks holes for; regular and log files
// are copied whole on first open, directories are created on demand.
type FileType int

// File types.
const (
	TypeRegular FileType = iota
	TypeData
	TypeLog
	TypeDirectory
)

// String converts a FileType to a string
func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeData:
		return "data"
	case TypeLog:
		return "log"
	case TypeDirectory:
		return "directory"
	}
	return "unknown"
}

// OpenFlag modifies the behaviour of FileSystem.Open.
type OpenFlag uint32

// Open flags.
const (
	// OpenCreate creates the file if it doesn't exist.
	OpenCreate OpenFlag = 1 << iota
	// OpenExclusive combined with OpenCreate fails if the file exists.
	OpenExclusive
	// OpenDurable requests that writes reach stable storage before the
	// corresponding call returns.
	OpenDurable
	// OpenReadOnly opens the file for reading only.
	OpenReadOnly
)

// IsSet reports whether all the bits in flag are set.
func (f OpenFlag) IsSet(flag OpenFlag) bool {
	return f&flag == flag
}

// FileHandle is an open file. Reads and writes are positional and
// full-length: a short read or write is reported as an error.
type FileHandle interface {
	// Name returns the name the file was opened with.
	Name() string
	// ReadAt reads len(b) bytes at off.
	ReadAt(b []byte, off int64) error
	// WriteAt writes len(b) bytes at off.
	WriteAt(b []byte, off int64) error
	// Truncate sets the file size, extending or shrinking it.
	Truncate(size int64) error
	// Sync flushes the file to stable storage.
	Sync() error
	// Size returns the current size of the file.
	Size() (int64, error)
	// Close closes the handle.
	Close() error
}

// FileSystem is the narrow OS surface the engine consumes. The live restore
// file system both consumes this interface (against the local disk) and
// implements it (towards the engine).
type FileSystem interface {
	// Open opens or creates the named file.
	Open(ctx context.Context, name string, typ FileType, flags OpenFlag) (FileHandle, error)
	// DirectoryList lists the names in dir that begin with prefix.
	DirectoryList(ctx context.Context, dir, prefix string) ([]string, error)
	// DirectoryListSingle is DirectoryList stopping at the first match.
	DirectoryListSingle(ctx context.Context, dir, prefix string) ([]string, error)
	// Exist reports whether the named file exists.
	Exist(ctx context.Context, name string) (bool, error)
	// Remove removes the named file.
	Remove(ctx context.Context, name string) error
	// Rename renames a file.
	Rename(ctx context.Context, from, to string) error
	// Size returns the size of the named file.
	Size(ctx context.Context, name string) (int64, error)
	// Terminate releases any resources held by the file system.
	Terminate(ctx context.Context) error
}
