package dbproxy

import (
	"context"
	"errors"
)

var (
	// ErrInvalidState is raised when a mutating call reaches a proxy whose
	// fork is not resident.
	ErrInvalidState = errors.New("invalid proxy state")

	// ErrSave wraps failures to write a snapshot. The proxy stays materialized.
	ErrSave = errors.New("saving fork")

	// ErrRestore wraps failures to read a snapshot back. The proxy stays evicted.
	ErrRestore = errors.New("restoring fork")

	// ErrCompleted is returned by operations on a completed proxy.
	ErrCompleted = errors.New("fork completed")
)

// IsTransient reports whether a restore failed only because the caller gave
// up waiting. The snapshot is still there and a later call may restore it.
func IsTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
