package liverestore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/livefs/livefs/fs"
)

// Catalog enumerates the data files that need migrating. It stands in for
// the engine's metadata table.
type Catalog interface {
	// DataFiles returns the destination-rooted paths of every data file.
	DataFiles(ctx context.Context) ([]string, error)
}

// SuffixCatalog is a Catalog that lists a directory through the live
// restore union view and keeps the names with a given suffix.
type SuffixCatalog struct {
	vfs    fs.FileSystem
	dir    string
	suffix string
}

// NewSuffixCatalog makes a catalog of the files in dir ending in suffix.
func NewSuffixCatalog(vfs fs.FileSystem, dir, suffix string) *SuffixCatalog {
	return &SuffixCatalog{vfs: vfs, dir: dir, suffix: suffix}
}

// DataFiles implements Catalog.
func (c *SuffixCatalog) DataFiles(ctx context.Context) ([]string, error) {
	names, err := c.vfs.DirectoryList(ctx, c.dir, "")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, name := range names {
		if strings.HasSuffix(name, c.suffix) {
			files = append(files, join(c.dir, name))
		}
	}
	return files, nil
}

// Server drains the holes of every catalogued file with a pool of
// background workers. Within a file chunks are copied in ascending offset
// order, which is what keeps partial foreground reads possible in only
// one shape.
type Server struct {
	f       *FileSystem
	catalog Catalog

	mu             sync.Mutex
	queue          []string
	threadsWorking int
	finished       bool
}

// NewServer makes a migration server for the given file system.
func NewServer(f *FileSystem, catalog Catalog) *Server {
	return &Server{f: f, catalog: catalog}
}

// String converts this Server to a string
func (s *Server) String() string {
	return "live restore server"
}

// populateQueue builds the work queue from the catalog.
func (s *Server) populateQueue(ctx context.Context) error {
	files, err := s.catalog.DataFiles(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = append([]string(nil), files...)
	s.mu.Unlock()
	fs.Infof(s, "queued %d files for background migration", len(files))
	return nil
}

// pop takes one item off the queue, returning false when it is empty.
func (s *Server) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, true
}

// drain empties the queue on shutdown. The remaining work continues after
// a restart.
func (s *Server) drain() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// workerExit accounts for a worker stopping. The last worker out with an
// empty queue marks the migration finished.
func (s *Server) workerExit() {
	s.mu.Lock()
	s.threadsWorking--
	if s.threadsWorking == 0 && len(s.queue) == 0 {
		s.finished = true
		fs.Debugf(s, "live restore finished")
	}
	s.mu.Unlock()
}

// worker drains queue items until the queue is empty or the context is
// cancelled.
func (s *Server) worker(ctx context.Context) error {
	defer s.workerExit()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, ok := s.pop()
		if !ok {
			fs.Debugf(s, "worker terminating")
			return nil
		}
		fs.Debugf(s, "worker taking queue item %q", item)
		if err := s.migrateFile(ctx, item); err != nil {
			return err
		}
	}
}

// migrateFile fills the holes of a single file. An already open handle is
// borrowed from the registry, otherwise the file is opened here. A file
// that no longer exists was dropped concurrently and is not an error.
func (s *Server) migrateFile(ctx context.Context, name string) error {
	if h := s.f.lookupHandle(name); h != nil {
		fs.Debugf(s, "filling holes for open file %q", name)
		return h.FillHoles(ctx)
	}
	fh, err := s.f.Open(ctx, name, fs.TypeData, 0)
	if errors.Is(err, fs.ErrorNotFound) {
		fs.Debugf(s, "%q dropped before migration, skipping", name)
		return nil
	}
	if err != nil {
		return err
	}
	h := fh.(*FileHandle)
	fs.Debugf(s, "filling holes for %q", name)
	fillErr := h.FillHoles(ctx)
	closeErr := h.Close()
	if fillErr != nil {
		return fillErr
	}
	return closeErr
}

// Run performs the whole background migration: build the queue, advance
// the state machine into BACKGROUND_MIGRATION, run the workers, and on
// completion clean up the stop files and mark the restore COMPLETE.
//
// Cancelling the context is a clean shutdown: the queue is drained and
// the restore resumes from persisted state on the next mount.
func (s *Server) Run(ctx context.Context) error {
	if s.f.opt.ThreadsMax < 0 {
		return nil
	}
	if s.f.State().MigrationComplete() {
		return nil
	}
	if err := s.populateQueue(ctx); err != nil {
		return err
	}
	if s.f.State() == StateLogCopy {
		if err := s.f.SetState(ctx, StateBackgroundMigration); err != nil {
			return err
		}
	}

	threads := s.f.opt.ThreadsMax
	s.mu.Lock()
	s.threadsWorking = threads
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		g.Go(func() error {
			return s.worker(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		s.drain()
		return err
	}

	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if !finished {
		return nil
	}

	if err := s.f.SetState(ctx, StateCleanUp); err != nil {
		return err
	}
	if err := s.f.CleanupStopFiles(ctx); err != nil {
		return err
	}
	return s.f.SetState(ctx, StateComplete)
}
