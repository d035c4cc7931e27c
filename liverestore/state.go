package liverestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livefs/livefs/fs"
)

// StateFileName is the name of the file in the destination root recording
// the current restore phase. It exists iff a live restore has ever started
// in that directory.
const StateFileName = "WiredTigerLiveRestoreState"

// State is the phase a live restore is in. Phases advance strictly
// forward, one at a time.
type State int

// Live restore phases.
const (
	// StateNone is the placeholder for state that has not been read yet.
	StateNone State = iota
	// StateLogCopy - log files are copied into the destination on open.
	StateLogCopy
	// StateBackgroundMigration - workers are draining holes file by file.
	StateBackgroundMigration
	// StateCleanUp - migration is done, stop files are being removed.
	StateCleanUp
	// StateComplete - the destination stands alone.
	StateComplete
)

// String converts a State to the name persisted in the state file.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateLogCopy:
		return "LOG_COPY"
	case StateBackgroundMigration:
		return "BACKGROUND_MIGRATION"
	case StateCleanUp:
		return "CLEAN_UP"
	case StateComplete:
		return "COMPLETE"
	}
	return "unknown"
}

// parseState converts a state file's contents back into a State.
func parseState(text string) (State, error) {
	switch strings.TrimSpace(text) {
	case "NONE":
		return StateNone, nil
	case "LOG_COPY":
		return StateLogCopy, nil
	case "BACKGROUND_MIGRATION":
		return StateBackgroundMigration, nil
	case "CLEAN_UP":
		return StateCleanUp, nil
	case "COMPLETE":
		return StateComplete, nil
	}
	return StateNone, fmt.Errorf("invalid state string %q: %w", text, fs.ErrorInvalid)
}

// MigrationComplete reports whether the phase is past background
// migration, after which the source is never consulted again.
func (s State) MigrationComplete() bool {
	return s >= StateCleanUp
}

// readStateFile reads the persisted state from dir through the backing
// file system. A missing state file reads as NONE.
func readStateFile(ctx context.Context, backing fs.FileSystem, dir string) (State, error) {
	name := join(dir, StateFileName)
	exists, err := backing.Exist(ctx, name)
	if err != nil {
		return StateNone, err
	}
	if !exists {
		return StateNone, nil
	}
	size, err := backing.Size(ctx, name)
	if err != nil {
		return StateNone, err
	}
	fh, err := backing.Open(ctx, name, fs.TypeRegular, fs.OpenReadOnly)
	if err != nil {
		return StateNone, err
	}
	buf := make([]byte, size)
	readErr := fh.ReadAt(buf, 0)
	closeErr := fh.Close()
	if readErr != nil {
		return StateNone, readErr
	}
	if closeErr != nil {
		return StateNone, closeErr
	}
	return parseState(string(buf))
}

// writeStateFile overwrites the state file in dir with the given state.
func writeStateFile(ctx context.Context, backing fs.FileSystem, dir string, state State, flags fs.OpenFlag) error {
	name := join(dir, StateFileName)
	fh, err := backing.Open(ctx, name, fs.TypeRegular, flags)
	if err != nil {
		return err
	}
	err = fh.Truncate(0)
	if err == nil {
		err = fh.WriteAt([]byte(state.String()+"\n"), 0)
	}
	if err == nil {
		err = fh.Sync()
	}
	closeErr := fh.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// initState reads the persisted state on mount, creating the state file in
// the LOG_COPY phase if this is the first ever mount of the destination.
func (f *FileSystem) initState(ctx context.Context) error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.state != StateNone {
		return fmt.Errorf("state already initialized: %w", fs.ErrorInvalid)
	}
	state, err := readStateFile(ctx, f.backing, f.home)
	if err != nil {
		return err
	}
	if state != StateNone {
		f.state = state
		return nil
	}
	// A brand new live restore. Create the state file in the log copy
	// phase.
	err = writeStateFile(ctx, f.backing, f.home, StateLogCopy, fs.OpenCreate|fs.OpenExclusive)
	if err != nil {
		return err
	}
	f.state = StateLogCopy
	return nil
}

// State returns the current phase.
func (f *FileSystem) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

// SetState advances the phase, persisting it before updating the
// in-memory value. Anything but a step to the immediate successor is
// rejected.
func (f *FileSystem) SetState(ctx context.Context, state State) error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.state == StateNone {
		return fmt.Errorf("state not initialized: %w", fs.ErrorInvalid)
	}
	if state != f.state+1 {
		return fmt.Errorf("illegal state transition %v -> %v: %w", f.state, state, fs.ErrorInvalid)
	}
	exists, err := f.backing.Exist(ctx, join(f.home, StateFileName))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("state file doesn't exist: %w", fs.ErrorInvalid)
	}
	if err := writeStateFile(ctx, f.backing, f.home, state, 0); err != nil {
		return err
	}
	fs.Infof(f, "live restore state %v -> %v", f.state, state)
	f.state = state
	return nil
}

// ReadState reads the persisted phase of a destination directory without
// mounting it. A destination that never started a live restore reads as
// NONE.
func ReadState(ctx context.Context, backing fs.FileSystem, dir string) (State, error) {
	return readStateFile(ctx, backing, dir)
}

// DeleteCompletedStateFile removes a state file from dir if, and only if,
// it records the COMPLETE phase. Used against a source directory which
// turns out to be a backup of a finished restore.
func DeleteCompletedStateFile(ctx context.Context, backing fs.FileSystem, dir string) error {
	state, err := readStateFile(ctx, backing, dir)
	if err != nil {
		return err
	}
	if state != StateComplete {
		return nil
	}
	return backing.Remove(ctx, join(dir, StateFileName))
}

// validateDirectories enforces the per-phase preconditions on the source
// and destination directories on mount.
func (f *FileSystem) validateDirectories(ctx context.Context) error {
	// A completed restore backed up before restarting out of live restore
	// mode leaves a COMPLETE state file in the source. Delete it.
	if err := DeleteCompletedStateFile(ctx, f.backing, f.source); err != nil {
		return err
	}

	sourceNames, err := f.backing.DirectoryList(ctx, f.source, "")
	if err != nil {
		return err
	}
	if len(sourceNames) == 0 {
		return fmt.Errorf("source directory %q is empty, nothing to restore: %w", f.source, fs.ErrorInvalid)
	}
	for _, name := range sourceNames {
		if strings.HasSuffix(name, stopFileSuffix) || name == StateFileName {
			return fmt.Errorf("source directory contains live restore metadata file %q, it looks like an unfinished destination: %w",
				name, fs.ErrorInvalid)
		}
	}

	state, err := readStateFile(ctx, f.backing, f.home)
	if err != nil {
		return err
	}
	destNames, err := f.backing.DirectoryList(ctx, f.home, "")
	if err != nil && !errors.Is(err, fs.ErrorNotFound) {
		return err
	}

	switch state {
	case StateNone:
		// A brand new live restore. Anything already in the destination
		// risks being a valid database we would overwrite.
		if len(destNames) > 0 {
			return fmt.Errorf("live restore is about to start but destination %q is not empty: %w", f.home, fs.ErrorInvalid)
		}
	case StateLogCopy:
		for _, name := range destNames {
			if !strings.HasSuffix(name, ".log") && name != StateFileName {
				return fmt.Errorf("log copy phase but destination contains %q: %w", name, fs.ErrorInvalid)
			}
		}
	case StateBackgroundMigration, StateCleanUp:
		// Nothing to check.
	case StateComplete:
		for _, name := range destNames {
			if strings.HasSuffix(name, stopFileSuffix) {
				return fmt.Errorf("live restore is complete but stop file %q still exists: %w", name, fs.ErrorInvalid)
			}
		}
	}
	return nil
}
