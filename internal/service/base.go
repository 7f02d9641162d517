package service

import (
	"github.com/vzahanych/storeguard/internal/logger"
)

// ServiceBase is embedded by the engine's long-running components. It owns
// the component's status, a logger tagged with its name and an optional
// event bus.
type ServiceBase struct {
	name   string
	log    *logger.Logger
	bus    *EventBus
	status *ServiceStatus
}

// NewServiceBase creates the base for a service called name
func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ServiceBase{
		name:   name,
		log:    log.With("service", name),
		status: NewServiceStatus(name),
	}
}

func (sb *ServiceBase) Name() string { return sb.name }

// SetEventBus attaches the bus PublishEvent writes to
func (sb *ServiceBase) SetEventBus(bus *EventBus) { sb.bus = bus }

func (sb *ServiceBase) GetEventBus() *EventBus { return sb.bus }

func (sb *ServiceBase) GetStatus() *ServiceStatus { return sb.status }

// Logger returns the service logger. Entries already carry the service name.
func (sb *ServiceBase) Logger() *logger.Logger { return sb.log }

// Transition moves the service to status
func (sb *ServiceBase) Transition(status Status) {
	prev := sb.status.GetStatus()
	sb.status.SetStatus(status)
	if prev != status {
		sb.log.Debug("Service state changed", "from", string(prev), "to", string(status))
	}
}

// Fail records err as the reason the service is unhealthy
func (sb *ServiceBase) Fail(err error) {
	sb.status.SetError(err)
	sb.log.Debug("Service state changed", "to", string(StatusError), "error", err)
}

// PublishEvent publishes to the attached bus, if any, with this service as
// the source
func (sb *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if sb.bus == nil {
		return
	}
	sb.bus.Publish(Event{Type: eventType, Source: sb.name, Data: data})
}

func (sb *ServiceBase) LogInfo(msg string, kv ...interface{})  { sb.log.Info(msg, kv...) }
func (sb *ServiceBase) LogWarn(msg string, kv ...interface{})  { sb.log.Warn(msg, kv...) }
func (sb *ServiceBase) LogDebug(msg string, kv ...interface{}) { sb.log.Debug(msg, kv...) }

// LogError logs msg at error level with err attached
func (sb *ServiceBase) LogError(msg string, err error, kv ...interface{}) {
	sb.log.Error(msg, append([]interface{}{"error", err}, kv...)...)
}
