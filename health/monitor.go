package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check reports the health of one pipeline component.
type Check func(ctx context.Context) Status

// Monitor runs registered checks and rolls their results into one
// pipeline-wide status.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Register adds or replaces a named check.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Unregister removes a named check.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Check runs every registered check and aggregates: any unhealthy result
// makes the pipeline unhealthy, otherwise any degraded result makes it
// degraded. Sub-statuses are ordered by check name for stable output.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make([]Check, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		checks = append(checks, m.checks[name])
	}
	m.mu.RUnlock()

	overall := Status{
		Component: "statesync",
		Healthy:   true,
		Status:    StateHealthy,
		Timestamp: time.Now(),
	}
	for i, check := range checks {
		sub := check(ctx)
		if sub.Component == "" {
			sub.Component = names[i]
		}
		overall.SubStatuses = append(overall.SubStatuses, sub)

		switch {
		case sub.IsUnhealthy():
			overall.Status = StateUnhealthy
			overall.Healthy = false
		case sub.IsDegraded() && overall.Status == StateHealthy:
			overall.Status = StateDegraded
			overall.Healthy = false
		}
	}
	return overall
}
