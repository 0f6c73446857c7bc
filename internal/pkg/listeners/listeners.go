// Package listeners provides a registry of listeners owned by one engine
// instance. It replaces global registries, failures of one listener are
// isolated at the call site.
package listeners

import (
	"sync"
)

// Manager holds listeners in registration order.
// Add returns an ID used to Remove the listener later.
type Manager[T any] struct {
	lock    sync.RWMutex
	seq     uint64
	entries []entry[T]
}

type entry[T any] struct {
	id    uint64
	value T
}

func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

func (m *Manager[T]) Add(v T) uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.seq++
	m.entries = append(m.entries, entry[T]{id: m.seq, value: v})
	return m.seq
}

func (m *Manager[T]) Remove(id uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, e := range m.entries {
		if e.id == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager[T]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.entries)
}

func (m *Manager[T]) Clear() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.entries = nil
}

// ForEach calls fn for every listener, in registration order.
// Iteration uses a snapshot, so a listener may add or remove listeners.
func (m *Manager[T]) ForEach(fn func(v T)) {
	m.lock.RLock()
	snapshot := make([]entry[T], len(m.entries))
	copy(snapshot, m.entries)
	m.lock.RUnlock()
	for _, e := range snapshot {
		fn(e.value)
	}
}
