package storage

import "errors"

// NotFoundError is returned when a snapshot doesn't exist in the store.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return "snapshot not found"
	}

	return "snapshot not found: " + e.ID
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// ErrNilSnapshot is returned when saving a nil snapshot.
var ErrNilSnapshot = errors.New("cannot save nil snapshot")
