package service

import (
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// ServiceBase provides a base implementation for services
type ServiceBase struct {
	name     string
	logger   *logger.Logger
	eventBus *EventBus
	status   *ServiceStatus
}

// NewServiceBase creates a new service base
func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ServiceBase{
		name:   name,
		logger: log,
		status: NewServiceStatus(name),
	}
}

// Name returns the service name
func (sb *ServiceBase) Name() string {
	return sb.name
}

// SetEventBus sets the event bus
func (sb *ServiceBase) SetEventBus(bus *EventBus) {
	sb.eventBus = bus
}

// GetEventBus returns the event bus
func (sb *ServiceBase) GetEventBus() *EventBus {
	return sb.eventBus
}

// GetStatus returns the service status
func (sb *ServiceBase) GetStatus() *ServiceStatus {
	return sb.status
}

// Logger returns the underlying logger
func (sb *ServiceBase) Logger() *logger.Logger {
	return sb.logger
}

// PublishEvent publishes an event to the event bus
func (sb *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if sb.eventBus != nil {
		sb.eventBus.Publish(Event{
			Type:   eventType,
			Source: sb.name,
			Data:   data,
		})
	}
}

// LogInfo logs an info message
func (sb *ServiceBase) LogInfo(msg string, fields ...interface{}) {
	sb.logger.Info(msg, append([]interface{}{"service", sb.name}, fields...)...)
}

// LogWarn logs a warning message
func (sb *ServiceBase) LogWarn(msg string, fields ...interface{}) {
	sb.logger.Warn(msg, append([]interface{}{"service", sb.name}, fields...)...)
}

// LogError logs an error message
func (sb *ServiceBase) LogError(msg string, err error, fields ...interface{}) {
	allFields := append([]interface{}{"service", sb.name, "error", err}, fields...)
	sb.logger.Error(msg, allFields...)
}

// LogDebug logs a debug message
func (sb *ServiceBase) LogDebug(msg string, fields ...interface{}) {
	sb.logger.Debug(msg, append([]interface{}{"service", sb.name}, fields...)...)
}
