package fs

import "errors"

// Sentinel errors returned across the file system surface. Callers match
// them with errors.Is; anything else is an I/O error wrapped with context.
var (
	// ErrorNotFound - file not found in any layer
	ErrorNotFound = errors.New("file not found")
	// ErrorExists - create with exclusive over an existing file
	ErrorExists = errors.New("file already exists")
	// ErrorInvalid - precondition failure, no side effects
	ErrorInvalid = errors.New("invalid argument")
	// ErrorCorrupt - an invariant violation, fatal for the affected handle
	ErrorCorrupt = errors.New("corrupt")
	// ErrorUnsupported - operation not applicable to this layer
	ErrorUnsupported = errors.New("operation not supported")
	// ErrorPanic - the file system has entered a panic state
	ErrorPanic = errors.New("panicked")
)
