package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/storage"
	"github.com/papercomputeco/sipfork/pkg/storage/inmemory"
)

// ErrInjected is returned by MockDriver operations configured to fail.
var ErrInjected = errors.New("injected storage failure")

// MockDriver is an in-memory storage driver that counts calls, can be told
// to fail, and can hold Save or Load calls until released.
type MockDriver struct {
	*inmemory.Driver

	FailSave   atomic.Bool
	FailLoad   atomic.Bool
	FailDelete atomic.Bool

	Saves   atomic.Int64
	Loads   atomic.Int64
	Deletes atomic.Int64

	mu       sync.Mutex
	saveGate chan struct{}
	loadGate chan struct{}

	// Entered receives a value each time a gated call starts waiting.
	Entered chan string
}

// NewMockDriver creates a new mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		Driver:  inmemory.NewDriver(),
		Entered: make(chan string, 64),
	}
}

// HoldSaves makes Save block until ReleaseSaves is called.
func (m *MockDriver) HoldSaves() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveGate = make(chan struct{})
}

func (m *MockDriver) ReleaseSaves() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveGate != nil {
		close(m.saveGate)
		m.saveGate = nil
	}
}

// HoldLoads makes Load block until ReleaseLoads is called.
func (m *MockDriver) HoldLoads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadGate = make(chan struct{})
}

func (m *MockDriver) ReleaseLoads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadGate != nil {
		close(m.loadGate)
		m.loadGate = nil
	}
}

func (m *MockDriver) wait(ctx context.Context, name string, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	m.Entered <- name
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockDriver) Save(ctx context.Context, snap *fork.Snapshot) (string, error) {
	m.Saves.Add(1)

	m.mu.Lock()
	gate := m.saveGate
	m.mu.Unlock()
	if err := m.wait(ctx, "save", gate); err != nil {
		return "", err
	}

	if m.FailSave.Load() {
		return "", ErrInjected
	}
	return m.Driver.Save(ctx, snap)
}

func (m *MockDriver) Load(ctx context.Context, id string) (*fork.Snapshot, error) {
	m.Loads.Add(1)

	m.mu.Lock()
	gate := m.loadGate
	m.mu.Unlock()
	if err := m.wait(ctx, "load", gate); err != nil {
		return nil, err
	}

	if m.FailLoad.Load() {
		return nil, ErrInjected
	}
	return m.Driver.Load(ctx, id)
}

func (m *MockDriver) Delete(ctx context.Context, id string) error {
	m.Deletes.Add(1)
	if m.FailDelete.Load() {
		return ErrInjected
	}
	return m.Driver.Delete(ctx, id)
}

var _ storage.Driver = (*MockDriver)(nil)
