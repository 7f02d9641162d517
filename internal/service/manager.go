package service

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
)

// DefaultStopTimeout bounds how long a single service may take to stop
const DefaultStopTimeout = 10 * time.Second

const managerSource = "manager"

// Manager starts the engine's services in registration order and stops the
// started ones in reverse.
type Manager struct {
	mu          sync.RWMutex
	logger      *logger.Logger
	services    []Service
	statuses    map[string]*ServiceStatus
	startOrder  []Service
	eventBus    *EventBus
	stopTimeout time.Duration
	monitorStop context.CancelFunc
}

// Service represents a service that can be started and stopped
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ServiceWithEvents is a service that can publish events
type ServiceWithEvents interface {
	Service
	SetEventBus(bus *EventBus)
}

// NewManager creates a service manager with its own event bus
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:      log.Named("services"),
		statuses:    make(map[string]*ServiceStatus),
		eventBus:    NewEventBus(100),
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides the per-service stop timeout
func (m *Manager) SetStopTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.stopTimeout = d
	}
}

// GetEventBus returns the event bus for inter-service communication
func (m *Manager) GetEventBus() *EventBus {
	return m.eventBus
}

// Register registers a service with the manager. Services start in
// registration order.
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
	m.statuses[svc.Name()] = NewServiceStatus(svc.Name())

	if svcWithEvents, ok := svc.(ServiceWithEvents); ok {
		svcWithEvents.SetEventBus(m.eventBus)
	}
}

// Start starts all registered services in order. A failing service aborts
// the start sequence; services started so far keep running and are stopped
// by Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Starting services", "count", len(m.services))

	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorStop = cancel
	m.startEventMonitoring(monitorCtx)

	for _, svc := range m.services {
		if err := m.startOne(ctx, svc); err != nil {
			return fmt.Errorf("failed to start service %s: %w", svc.Name(), err)
		}
		m.startOrder = append(m.startOrder, svc)
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, svc Service) error {
	name := svc.Name()
	status := m.statuses[name]
	status.SetStatus(StatusStarting)

	began := time.Now()
	if err := svc.Start(ctx); err != nil {
		status.SetError(err)
		m.logger.Error("Service failed to start", "service", name, "error", err)
		m.publish(EventTypeServiceError, name, map[string]interface{}{"error": err.Error()})
		return err
	}

	status.SetStatus(StatusRunning)
	m.logger.Info("Service started", "service", name, "took", time.Since(began))
	m.publish(EventTypeServiceStarted, managerSource, map[string]interface{}{"service": name})
	return nil
}

func (m *Manager) stopOne(ctx context.Context, svc Service, status *ServiceStatus, timeout time.Duration) {
	name := svc.Name()
	status.SetStatus(StatusStopping)
	m.logger.Info("Stopping service", "service", name)

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		status.SetError(err)
		m.logger.Error("Error stopping service", "service", name, "error", err)
	} else {
		status.SetStatus(StatusStopped)
		m.logger.Info("Service stopped", "service", name)
	}
	m.publish(EventTypeServiceStopped, managerSource, map[string]interface{}{"service": name})
}

func (m *Manager) publish(t EventType, source string, data map[string]interface{}) {
	m.eventBus.Publish(Event{Type: t, Source: source, Data: data})
}

// startEventMonitoring logs every bus event at debug level
func (m *Manager) startEventMonitoring(ctx context.Context) {
	ch := m.eventBus.SubscribeAll()
	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.logger.Debug("Event received",
					"type", event.Type,
					"source", event.Source,
					"timestamp", event.Timestamp,
				)
			case <-ctx.Done():
				m.eventBus.UnsubscribeAll(ch)
				return
			}
		}
	}()
}

// Shutdown gracefully shuts down all started services in reverse order
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Shutting down services", "count", len(m.startOrder))

	started := make([]Service, len(m.startOrder))
	copy(started, m.startOrder)
	statuses := make([]*ServiceStatus, len(started))
	for i, svc := range started {
		statuses[i] = m.statuses[svc.Name()]
	}
	stopTimeout := m.stopTimeout

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(started) - 1; i >= 0; i-- {
			m.stopOne(ctx, started[i], statuses[i], stopTimeout)
		}
	}()

	var err error
	select {
	case <-done:
		m.logger.Info("All services stopped", "events_dropped", m.eventBus.Dropped())
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}

	if m.monitorStop != nil {
		m.monitorStop()
	}
	m.startOrder = m.startOrder[:0]
	m.eventBus.Close()
	return err
}

// GetServiceCount returns the number of registered services
func (m *Manager) GetServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.services)
}

// GetServiceStatus returns the status of a service
func (m *Manager) GetServiceStatus(serviceName string) *ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[serviceName]
}

// GetAllStatuses returns a copy of the status map
func (m *Manager) GetAllStatuses() map[string]*ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.statuses)
}
