package service

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a service or camera worker
type Status string

const (
	StatusReady    Status = "ready"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus is a concurrency-safe status holder. Name and StartedAt are
// readable directly; the rest goes through the getters.
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
	since  time.Time
	starts int
}

// StatusSnapshot is a consistent copy of a ServiceStatus
type StatusSnapshot struct {
	Name   string        `json:"name"`
	Status Status        `json:"status"`
	Since  time.Time     `json:"since"`
	Uptime time.Duration `json:"uptime"`
	Starts int           `json:"starts"`
	Error  string        `json:"error,omitempty"`
}

// NewServiceStatus returns a stopped status for name
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{Name: name, status: StatusStopped, since: time.Now()}
}

// SetStatus moves to status. Entering running stamps StartedAt and clears
// the last error; other states keep it so a restart loop stays diagnosable.
func (ss *ServiceStatus) SetStatus(status Status) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.set(status)
	if status == StatusRunning {
		ss.StartedAt = ss.since
		ss.err = nil
		ss.starts++
	}
}

// SetError moves to StatusError with err as the cause
func (ss *ServiceStatus) SetError(err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.set(StatusError)
	ss.err = err
}

func (ss *ServiceStatus) set(status Status) {
	if status != ss.status || status == StatusRunning {
		ss.since = time.Now()
	}
	ss.status = status
}

func (ss *ServiceStatus) GetStatus() Status {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.status
}

func (ss *ServiceStatus) GetError() error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.err
}

func (ss *ServiceStatus) IsRunning() bool {
	return ss.GetStatus() == StatusRunning
}

// GetUptime is the time since the service last entered running, or zero
// when it is not running
func (ss *ServiceStatus) GetUptime() time.Duration {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.uptime()
}

func (ss *ServiceStatus) uptime() time.Duration {
	if ss.status != StatusRunning || ss.StartedAt.IsZero() {
		return 0
	}
	return time.Since(ss.StartedAt)
}

// Snapshot copies every field under one lock
func (ss *ServiceStatus) Snapshot() StatusSnapshot {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	snap := StatusSnapshot{
		Name:   ss.Name,
		Status: ss.status,
		Since:  ss.since,
		Uptime: ss.uptime(),
		Starts: ss.starts,
	}
	if ss.err != nil {
		snap.Error = ss.err.Error()
	}
	return snap
}
