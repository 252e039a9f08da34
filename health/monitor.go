package health

import "sync"

// Monitor collects per-component statuses, safe for concurrent use
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Set records the status for a named component
func (m *Monitor) Set(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	m.statuses[name] = status
}

// SetError records a component status derived from an error
func (m *Monitor) SetError(name string, err error) {
	m.Set(name, FromError(name, err))
}

// Get returns the status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove drops a component from the monitor
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Overall aggregates every tracked component into one status
func (m *Monitor) Overall(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		parts = append(parts, status)
	}
	return Aggregate(systemName, parts)
}

// Components lists the tracked component names
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	return names
}
