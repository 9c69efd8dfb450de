// Package storage defines where evicted fork operations live while they are
// not resident in memory.
package storage

import (
	"context"
	"time"

	"github.com/papercomputeco/sipfork/pkg/fork"
)

// Driver persists fork snapshots. Implementations must be safe for
// concurrent use; each fork is saved independently.
type Driver interface {
	// Save writes snap and returns its ID. When snap.ID is empty a new ID is
	// assigned; otherwise the existing snapshot is replaced.
	Save(ctx context.Context, snap *fork.Snapshot) (string, error)

	// Load reads a snapshot. Returns NotFoundError if id is unknown.
	Load(ctx context.Context, id string) (*fork.Snapshot, error)

	// Delete removes a snapshot. Returns NotFoundError if id is unknown.
	Delete(ctx context.Context, id string) error

	// List returns the metadata of every stored snapshot, used to recreate
	// evicted forks on startup.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the backend.
	Close() error
}

// Entry is what an instance needs to recreate an evicted fork without
// loading its full snapshot.
type Entry struct {
	ID        string
	Keys      []string
	ExpiresAt time.Time
}
