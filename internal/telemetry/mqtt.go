package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
)

// Client is the part of the paho client the sink uses
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON envelope of every published event
type Message struct {
	Type      string                 `json:"type"`
	Timestamp float64                `json:"timestamp"` // unix seconds
	Data      map[string]interface{} `json:"data"`
}

// MQTTSink forwards events to an MQTT broker. Publishing never blocks: the
// delivery token is not awaited, and events are dropped while disconnected.
type MQTTSink struct {
	*service.ServiceBase

	cfg     config.TelemetryConfig
	client  Client
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMQTTSink creates a sink with a paho client built from cfg
func NewMQTTSink(cfg config.TelemetryConfig, m *metrics.Metrics, log *logger.Logger) *MQTTSink {
	s := newSink(cfg, nil, m, log)
	if cfg.Enabled {
		s.client = mqtt.NewClient(s.clientOptions())
	}
	return s
}

// NewMQTTSinkWithClient creates a sink around an existing client
func NewMQTTSinkWithClient(cfg config.TelemetryConfig, client Client, m *metrics.Metrics, log *logger.Logger) *MQTTSink {
	return newSink(cfg, client, m, log)
}

func newSink(cfg config.TelemetryConfig, client Client, m *metrics.Metrics, log *logger.Logger) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "security/camera"
	}
	if cfg.HealthTopicPrefix == "" {
		cfg.HealthTopicPrefix = "system/health"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	limit := rate.Limit(cfg.EventRate)
	if cfg.EventRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.EventBurst
	if burst <= 0 {
		burst = 1
	}

	return &MQTTSink{
		ServiceBase: service.NewServiceBase("telemetry", log),
		cfg:         cfg,
		client:      client,
		metrics:     m,
		limiter:     rate.NewLimiter(limit, burst),
		now:         time.Now,
	}
}

func (s *MQTTSink) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		s.LogInfo("MQTT connection established", "broker", s.cfg.BrokerURL, "client_id", s.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.LogWarn("MQTT connection lost, will auto-reconnect", "broker", s.cfg.BrokerURL, "error", err)
	}
	return opts
}

// Start connects to the broker and starts forwarding bus events. An
// unreachable broker does not fail startup; paho keeps retrying.
func (s *MQTTSink) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusRunning)

	if !s.cfg.Enabled || s.client == nil {
		s.LogInfo("Telemetry is disabled")
		return nil
	}

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.LogWarn("MQTT connection pending, continuing in background", "broker", s.cfg.BrokerURL)
	} else if err := token.Error(); err != nil {
		s.LogWarn("MQTT connection failed, continuing in background", "broker", s.cfg.BrokerURL, "error", err)
	}

	if bus := s.GetEventBus(); bus != nil {
		s.forward(bus)
	}

	s.LogInfo("Telemetry started", "broker", s.cfg.BrokerURL, "topic_prefix", s.cfg.TopicPrefix)
	return nil
}

// Stop stops forwarding and disconnects from the broker
func (s *MQTTSink) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}

	s.LogInfo("Telemetry stopped")
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// forward relays every bus event to the broker until stopped
func (s *MQTTSink) forward(bus *service.EventBus) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	ch := bus.SubscribeAll()
	go func() {
		defer close(done)
		defer bus.Unsubscribe("", ch)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.Publish(EventName(ev.Type), ev.Data)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// EventName maps a bus event type onto its MQTT event name
func EventName(t service.EventType) string {
	return strings.ReplaceAll(string(t), ".", "_")
}

// Connected reports the broker connection state without waiting
func (s *MQTTSink) Connected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Publish sends an event to {topic_prefix}/{eventType}. Motion events are
// throttled. It reports whether the message was handed to the client.
func (s *MQTTSink) Publish(eventType string, data map[string]interface{}) bool {
	if eventType == EventName(service.EventTypeMotionDetected) && !s.limiter.Allow() {
		s.metrics.TelemetryDrop("throttled")
		return false
	}
	return s.send(s.cfg.TopicPrefix+"/"+eventType, eventType, data)
}

// PublishHealth sends a health metric to {health_topic_prefix}/{metric}
func (s *MQTTSink) PublishHealth(metric string, data map[string]interface{}) bool {
	topic := s.cfg.HealthTopicPrefix + "/" + metric
	return s.send(topic, topic, data)
}

func (s *MQTTSink) send(topic, eventType string, data map[string]interface{}) bool {
	if !s.Connected() {
		s.metrics.TelemetryDrop("disconnected")
		return false
	}

	payload, err := json.Marshal(Message{
		Type:      eventType,
		Timestamp: float64(s.now().UnixNano()) / 1e9,
		Data:      data,
	})
	if err != nil {
		s.metrics.TelemetryDrop("encode")
		s.LogWarn("Failed to encode telemetry", "topic", topic, "error", err)
		return false
	}

	s.client.Publish(topic, byte(s.cfg.QoS), false, payload)
	s.metrics.TelemetrySent()
	s.LogDebug("Telemetry published", "topic", topic, "size", len(payload))
	return true
}
