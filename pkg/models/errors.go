package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the tree core. Adapters map these to user-visible
// rejections; none of them corrupt tree state.
var (
	// ErrNotFound reports a referenced node or tree that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBlockedBranch reports admission under an ancestor that can never
	// complete: failed, cancelled, or superseded.
	ErrBlockedBranch = errors.New("branch blocked by failed, cancelled, or superseded ancestor")
	// ErrNotInitialized reports an administrative call before setup.
	ErrNotInitialized = errors.New("messaging system not initialized")
	// ErrSessionCancelled reports a session aborted by a cancellation that
	// was already in effect when it tried to start.
	ErrSessionCancelled = errors.New("session cancelled before start")
)

// SpawnError reports that the external agent process could not be created.
type SpawnError struct {
	Command string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// ExecutionError reports that the external process ran but exited with a
// failure. Output carries the captured diagnostic tail.
type ExecutionError struct {
	ExitCode int
	Output   string
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent process failed (exit %d): %v", e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("agent process failed (exit %d)", e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
