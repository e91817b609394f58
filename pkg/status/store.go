// Package status persists the running statistics of broadcast tasks.
//
// A Store keeps one record per task id. Writes are full overwrites made by the
// single worker owning that id; reads never fail on a missing id and return
// the default status instead, so a monitor may poll before the first write.
//
// Two implementations are provided:
//   - MemoryStore: process-local map, used in tests and when Redis is not configured
//   - RedisStore: JSON records under "status:{id}", readable after a restart
package status

import (
	"context"
	"sync"

	"github.com/guido-cesarano/broadcastq/pkg/tasks"
)

// Store is the durable keyed storage for task statuses.
type Store interface {
	Write(ctx context.Context, id tasks.ID, st tasks.Status) error
	Read(ctx context.Context, id tasks.ID) (tasks.Status, error)
}

// MemoryStore is a Store backed by a mutex-guarded map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[tasks.ID]tasks.Status
	writes  map[tasks.ID]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[tasks.ID]tasks.Status),
		writes:  make(map[tasks.ID]int),
	}
}

func (m *MemoryStore) Write(_ context.Context, id tasks.ID, st tasks.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = st.Clone()
	m.writes[id]++
	return nil
}

func (m *MemoryStore) Read(_ context.Context, id tasks.ID) (tasks.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.records[id]
	if !ok {
		return tasks.NewStatus(), nil
	}
	return st.Clone(), nil
}

// Writes returns how many times id has been written.
func (m *MemoryStore) Writes(id tasks.ID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[id]
}
