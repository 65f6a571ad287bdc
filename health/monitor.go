package health

import (
	"sync"
	"time"
)

// CheckFunc reports the current status of one component.
type CheckFunc func() Status

// Monitor evaluates registered checks on demand. It is safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]CheckFunc),
	}
}

// Register installs check under name, replacing any previous check.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Count returns the number of registered checks
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checks)
}

// Check runs the named check.
func (m *Monitor) Check(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.run(name, check), true
}

// Report runs every check and aggregates the results under systemName.
func (m *Monitor) Report(systemName string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	subs := make([]Status, 0, len(checks))
	for name, check := range checks {
		subs = append(subs, m.run(name, check))
	}
	return Aggregate(systemName, subs)
}

// run forces the component name and timestamp so checks can stay terse.
func (m *Monitor) run(name string, check CheckFunc) Status {
	status := check()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}
