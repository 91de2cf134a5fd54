package media

import (
	"errors"
	"fmt"
)

// Encoder conditions that are part of normal operation, not failures.
var (
	ErrNoBufferAvailable = errors.New("no input buffer available")
	ErrNoOutputReady     = errors.New("no output unit ready")
)

// ErrNotStarted is wrapped by WriteError when a sample reaches the container
// before the writer has been started.
var ErrNotStarted = errors.New("container writer not started")

// InitializationError reports an encoder or container that could not be
// created or started. Startup is aborted.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TrackRegistrationError reports a track format registration that arrived
// after the container was started.
type TrackRegistrationError struct {
	Track  TrackID
	Reason string
}

func (e *TrackRegistrationError) Error() string {
	return fmt.Sprintf("register %s track: %s", e.Track, e.Reason)
}

// WriteError reports a single sample that could not be written.
type WriteError struct {
	Track TrackID
	PTS   int64
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s sample at %dus: %v", e.Track, e.PTS, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FinalizeError reports a container that failed to finalize.
type FinalizeError struct {
	Path string
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Path, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// InterruptedShutdown reports a teardown wait that gave up before the
// component it waited for finished.
type InterruptedShutdown struct {
	Component string
	Err       error
}

func (e *InterruptedShutdown) Error() string {
	return fmt.Sprintf("shutdown of %s interrupted: %v", e.Component, e.Err)
}

func (e *InterruptedShutdown) Unwrap() error { return e.Err }
