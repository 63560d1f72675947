// Package raftstore provides an in-memory consensus.Storage implementation,
// grounded on the teacher's internal/core.MemoryStorage pattern (a
// mutex-guarded map standing in for a durable backing store).
package raftstore

import (
	"encoding/json"
	"sync"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// MemoryStore persists Raft state, log entries, and snapshots in process
// memory. It satisfies consensus.Storage; a production deployment would
// swap this for a disk-backed implementation without touching Raft itself.
type MemoryStore struct {
	mu       sync.RWMutex
	state    []byte
	log      []*consensus.LogEntry
	snapshot []byte
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveState marshals and stores the Raft persistent state.
func (m *MemoryStore) SaveState(state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = data
	return nil
}

// LoadState restores the last saved state into the given pointer.
func (m *MemoryStore) LoadState(state interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil
	}
	return json.Unmarshal(m.state, state)
}

// SaveLog replaces the stored log with entries.
func (m *MemoryStore) SaveLog(entries []*consensus.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = entries
	return nil
}

// LoadLog returns the entries within [startIndex, endIndex).
func (m *MemoryStore) LoadLog(startIndex, endIndex consensus.LogIndex) ([]*consensus.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*consensus.LogEntry
	for _, e := range m.log {
		if e.Index >= startIndex && e.Index < endIndex {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveSnapshot stores a raw snapshot blob, overwriting any previous one.
func (m *MemoryStore) SaveSnapshot(snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot
	return nil
}

// LoadSnapshot returns the last saved snapshot, if any.
func (m *MemoryStore) LoadSnapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
