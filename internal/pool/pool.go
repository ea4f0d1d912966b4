// Package pool tracks the live entries of a server: accepted HTTP
// connections and upgraded WebSocket sessions.
package pool

import (
	"sync"
)

// Entry is anything the pool can enumerate and close.
type Entry interface {
	ID() string
	Close() error
}

// Manager is a concurrency-safe registry of live entries keyed by ID.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]Entry)}
}

// Add registers e. It returns false if the manager has been closed, in which
// case the caller owns e and should close it.
func (m *Manager) Add(e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.entries[e.ID()] = e
	return true
}

// Remove unregisters the entry with the given ID.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Get returns the entry with the given ID.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Len returns the number of registered entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Range calls fn for a snapshot of the registered entries, stopping early if
// fn returns false. fn may call back into the manager.
func (m *Manager) Range(fn func(Entry) bool) {
	for _, e := range m.snapshot() {
		if !fn(e) {
			return
		}
	}
}

// CloseAll closes every registered entry and refuses further additions. It
// returns the first close error.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	for _, e := range m.snapshot() {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.Remove(e.ID())
	}
	return firstErr
}

func (m *Manager) snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
