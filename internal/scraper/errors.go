package scraper

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across the engine.
var (
	// ErrPoolClosed is returned by the resource pool after shutdown.
	ErrPoolClosed = errors.New("resource pool closed")
	// ErrShutdown rejects new work after manager shutdown begins.
	ErrShutdown = errors.New("scraper manager shutting down")
	// ErrUnknownTaskType marks a task type with no registered routine.
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrRobotsDisallowed marks a URL the target's robots.txt forbids.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
)

// FatalError wraps a non-retryable failure. The dispatcher fails the task
// terminally without consuming retry budget when it sees one.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is non-retryable.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
