// Package inmemory provides a process-local storage.Driver, used in tests
// and single instance deployments that only need to bound memory.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/storage"
)

type record struct {
	payload []byte
	entry   storage.Entry
}

// Driver keeps encoded snapshots in a map. Snapshots are stored encoded so
// that restored forks never share memory with the evicted ones.
type Driver struct {
	// mu guards records
	mu sync.RWMutex

	// records maps snapshot IDs to their encoded payload
	records map[string]record

	ids idgen.Generator
}

// NewDriver creates an empty in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		records: make(map[string]record),
		ids:     idgen.Default,
	}
}

func (d *Driver) Save(_ context.Context, snap *fork.Snapshot) (string, error) {
	if snap == nil {
		return "", storage.ErrNilSnapshot
	}

	stored := *snap
	if stored.ID == "" {
		stored.ID = d.ids()
	}

	payload, err := storage.Encode(&stored)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.records[stored.ID] = record{
		payload: payload,
		entry: storage.Entry{
			ID:        stored.ID,
			Keys:      append([]string(nil), stored.Keys...),
			ExpiresAt: stored.ExpiresAt,
		},
	}
	return stored.ID, nil
}

func (d *Driver) Load(_ context.Context, id string) (*fork.Snapshot, error) {
	d.mu.RLock()
	rec, ok := d.records[id]
	d.mu.RUnlock()

	if !ok {
		return nil, storage.NotFoundError{ID: id}
	}
	return storage.Decode(rec.payload)
}

func (d *Driver) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.records[id]; !ok {
		return storage.NotFoundError{ID: id}
	}
	delete(d.records, id)
	return nil
}

func (d *Driver) List(_ context.Context) ([]storage.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]storage.Entry, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored snapshots.
func (d *Driver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func (d *Driver) Close() error {
	return nil
}
