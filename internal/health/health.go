package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single checker
const DefaultCheckTimeout = 3 * time.Second

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]Check       `json:"checks"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs the registered checkers
type Manager struct {
	logger     *logger.Logger
	svcManager *service.Manager
	timeout    time.Duration
	startTime  time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates a new health check manager. svcManager may be nil.
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	return &Manager{
		logger:     log,
		svcManager: svcManager,
		timeout:    DefaultCheckTimeout,
		startTime:  time.Now(),
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check runs all checkers concurrently, each bounded by the check timeout,
// and folds their results into one report
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make([]Check, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, checker := range checkers {
		i, checker := i, checker
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			results[i] = checker.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	checks := make(map[string]Check, len(results))
	overall := StatusHealthy
	for _, check := range results {
		checks[check.Name] = check
		overall = worse(overall, check.Status)
		if check.Status != StatusHealthy {
			m.logger.Debug("Health check not healthy", "check", check.Name, "status", check.Status, "message", check.Message)
		}
	}

	return HealthReport{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  m.services(),
	}
}

func (m *Manager) services() map[string]interface{} {
	if m.svcManager == nil {
		return nil
	}
	services := make(map[string]interface{})
	for name, status := range m.svcManager.GetAllStatuses() {
		entry := map[string]interface{}{
			"status": status.GetStatus(),
			"uptime": status.GetUptime().Round(time.Second).String(),
		}
		if err := status.GetError(); err != nil {
			entry["error"] = err.Error()
		}
		services[name] = entry
	}
	return services
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
