package core

import "errors"

// Sentinel errors shared across the runtime. Callers branch on these with
// errors.Is; packages wrap them with fmt.Errorf("...: %w", ...) to add the
// failing subject.
var (
	// ErrNotFound indicates a named resource (session, context entry,
	// capability) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates an operation was attempted on a closed session,
	// router or context manager.
	ErrClosed = errors.New("closed")

	// ErrCircularInclude indicates a bundle include chain references itself,
	// directly or transitively.
	ErrCircularInclude = errors.New("circular include")

	// ErrModuleNotFound indicates a declared module could not be satisfied
	// from its source or the registry.
	ErrModuleNotFound = errors.New("module not found")
)
