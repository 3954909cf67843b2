package health

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Monitor tracks the health of a set of named components. All methods
// are safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	onChange func(name string, status Status)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithChangeHook registers fn to run whenever a component's status level
// changes, including its first report. The service layer uses this to
// mirror health flips into logs and metrics. fn runs outside the
// monitor lock, so it may call back into the monitor.
func WithChangeHook(fn func(name string, status Status)) MonitorOption {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{statuses: make(map[string]Status)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records the latest status for a component. The component name
// on the status is forced to name, and a zero timestamp is filled in.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, existed := m.statuses[name]
	m.statuses[name] = status
	m.mu.Unlock()

	if m.onChange != nil && (!existed || prev.Status != status.Status) {
		m.onChange(name, status)
	}
}

// UpdateHealthy records a component as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded records a component as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateUnhealthy records a component as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateFromError classifies err and records the resulting status.
func (m *Monitor) UpdateFromError(name string, err error) {
	m.Update(name, FromError(name, err))
}

// Get returns the last reported status for a component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a snapshot of every tracked status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.statuses)
}

// AggregateHealth folds every tracked component into one system status.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := slices.Collect(maps.Values(m.statuses))
	m.mu.RUnlock()

	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the tracked component names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := slices.Collect(maps.Keys(m.statuses))
	slices.Sort(names)
	return names
}

// Count returns the number of tracked components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}

// Remove drops a component from the monitor.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// Clear drops every tracked component.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses = make(map[string]Status)
}
