// Package persistence stores learning-state snapshots so accumulated
// metrics, profiles, and tuning history survive restarts.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("persistence: snapshot not found")

// Snapshot is the full persisted state: one opaque JSON document per
// component, keyed by component name.
type Snapshot struct {
	SavedAt    time.Time                  `json:"saved_at"`
	Components map[string]json.RawMessage `json:"components"`
}

// NewSnapshot creates an empty snapshot stamped now.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SavedAt:    time.Now(),
		Components: make(map[string]json.RawMessage),
	}
}

// Store persists snapshots. Implementations must be safe for concurrent
// use.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// MemoryStore keeps the snapshot in process memory. Useful for tests and
// for running without durability.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return nil, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
