package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Component names reported by the session coordinator.
const (
	ComponentAuthority = "authority"
	ComponentIdentity  = "identity"
	ComponentStore     = "store"
	ComponentPush      = "push"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return NewMonitorWithClock(clockwork.NewRealClock())
}

func NewMonitorWithClock(clock clockwork.Clock) *Monitor {
	return &Monitor{
		clock:  clock,
		checks: make(map[string]Check),
	}
}

// Update records the status for a named component. A transition away from
// Healthy is logged once, not on every repeat.
func (m *Monitor) Update(name string, status Status, message string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: m.clock.Now(),
	}
	m.mu.Unlock()

	if status != Healthy && (!existed || prev.Status != status) {
		log.Warn("health check degraded", "check", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all checks, or Unknown when
// nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map for the /healthz endpoint.
func (m *Monitor) Summary() map[string]any {
	checks := m.All()
	components := make(map[string]string, len(checks))
	for _, c := range checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.Overall()),
		"components": components,
	}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
