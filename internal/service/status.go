package service

import (
	"sync"
	"time"
)

// Status represents the lifecycle status of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the status of a single service
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	status Status
	err    error
	mu     sync.RWMutex
}

// NewServiceStatus creates a stopped status for the named service
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:   name,
		status: StatusStopped,
	}
}

// SetStatus updates the status. Entering running records the start time and
// clears any previous error.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == StatusRunning && s.status != StatusRunning {
		s.StartedAt = time.Now()
		s.err = nil
	}
	if status == StatusStopped {
		s.StartedAt = time.Time{}
	}
	s.status = status
}

// GetStatus returns the current status
func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetError moves the service into the error state
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.status = StatusError
}

// GetError returns the last recorded error
func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// IsRunning reports whether the service is running
func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns time since the service entered running, or zero
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}
