package searchindex

import (
	"context"
	"sync"
)

// MemIndex is an in-memory index for tests and dry runs. It records
// tracked item ids per data source.
type MemIndex struct {
	id          string
	datasources map[string]bool

	mu       sync.RWMutex
	inserted map[string]map[string]bool // datasource -> item ids
	deleted  map[string]map[string]bool
}

// NewMemIndex creates an in-memory index serving the given data sources
func NewMemIndex(id string, datasources ...string) *MemIndex {
	ds := make(map[string]bool, len(datasources))
	for _, d := range datasources {
		ds[d] = true
	}
	return &MemIndex{
		id:          id,
		datasources: ds,
		inserted:    make(map[string]map[string]bool),
		deleted:     make(map[string]map[string]bool),
	}
}

// ID implements Index
func (m *MemIndex) ID() string { return m.id }

// Supports implements Index
func (m *MemIndex) Supports(datasource string) bool {
	return m.datasources[datasource]
}

// Query implements Index
func (m *MemIndex) Query(_ context.Context, datasource string, itemIDs []string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracked := m.inserted[datasource]
	count := 0
	for _, id := range itemIDs {
		if tracked[id] {
			count++
		}
	}
	return count, nil
}

// TrackInserted implements Index
func (m *MemIndex) TrackInserted(_ context.Context, datasource string, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inserted[datasource] == nil {
		m.inserted[datasource] = make(map[string]bool)
	}
	for _, id := range itemIDs {
		m.inserted[datasource][id] = true
		delete(m.deleted[datasource], id)
	}
	return nil
}

// TrackDeleted implements Index
func (m *MemIndex) TrackDeleted(_ context.Context, datasource string, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleted[datasource] == nil {
		m.deleted[datasource] = make(map[string]bool)
	}
	for _, id := range itemIDs {
		m.deleted[datasource][id] = true
		delete(m.inserted[datasource], id)
	}
	return nil
}

// Inserted returns the currently tracked item ids for a data source
func (m *MemIndex) Inserted(datasource string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id := range m.inserted[datasource] {
		out = append(out, id)
	}
	return out
}
