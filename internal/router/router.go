package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/infrastructure/mqtt"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// DeviceLookup reports whether a device is registered and active.
type DeviceLookup interface {
	Exists(deviceID string) bool
}

// Sink receives decoded events. Implementations must be safe for
// concurrent use and should not block for long.
type Sink interface {
	HandleReading(ctx context.Context, r telemetry.Reading)
	HandleStatus(ctx context.Context, ev telemetry.StatusEvent)
	HandleDeviceAlert(ctx context.Context, a telemetry.DeviceAlert)
	HandleConfig(ctx context.Context, c telemetry.ConfigReport)
}

// Subscriber is the subset of the MQTT client used by Bind.
type Subscriber interface {
	SubscribeDefault(topic string, handler mqtt.MessageHandler) error
}

// Logger is the logging interface used by the router.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Router decodes device messages and forwards them to a Sink.
type Router struct {
	topics  mqtt.Topics
	devices DeviceLookup
	sink    Sink
	decode  decoder
	logger  Logger
	metrics *metrics.Metrics

	ctxMu sync.RWMutex
	ctx   context.Context
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock sets the clock used for messages without a timestamp.
func WithClock(c telemetry.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.decode.clock = c
		}
	}
}

// New creates a Router for namespace.
func New(namespace string, devices DeviceLookup, sink Sink, opts ...Option) *Router {
	r := &Router{
		topics:  mqtt.NewTopics(namespace),
		devices: devices,
		sink:    sink,
		decode:  decoder{clock: telemetry.SystemClock{}},
		logger:  noopLogger{},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscriptions returns the wildcard patterns the router consumes.
func (r *Router) Subscriptions() []string {
	subs := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		subs = append(subs, r.topics.AllDevices(string(k)))
	}
	return subs
}

// Bind subscribes HandleMessage to every pattern. Events are delivered to
// the sink with ctx.
func (r *Router) Bind(ctx context.Context, sub Subscriber) error {
	r.ctxMu.Lock()
	r.ctx = ctx
	r.ctxMu.Unlock()

	for _, topic := range r.Subscriptions() {
		if err := sub.SubscribeDefault(topic, r.HandleMessage); err != nil {
			return fmt.Errorf("subscribing %s: %w", topic, err)
		}
	}
	return nil
}

func (r *Router) context() context.Context {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	return r.ctx
}

// HandleMessage is the MQTT message handler. Malformed input returns an
// error wrapping telemetry.ErrMalformed; unknown devices return nil.
func (r *Router) HandleMessage(topic string, payload []byte) error {
	deviceID, kind, err := ParseTopic(r.topics.Namespace(), topic)
	if err != nil {
		r.metrics.MessageReceived("unknown", metrics.ResultMalformed)
		r.logger.Warn("dropping message", "topic", topic, "error", err)
		return err
	}

	if !r.devices.Exists(deviceID) {
		r.metrics.MessageReceived(string(kind), metrics.ResultUnknown)
		r.logger.Warn("discarding message from unknown device", "device_id", deviceID, "kind", kind)
		return nil
	}

	if err := r.dispatch(r.context(), deviceID, kind, payload); err != nil {
		r.metrics.MessageReceived(string(kind), metrics.ResultMalformed)
		r.logger.Warn("dropping malformed payload", "device_id", deviceID, "kind", kind, "error", err)
		return err
	}
	r.metrics.MessageReceived(string(kind), metrics.ResultAccepted)
	return nil
}

func (r *Router) dispatch(ctx context.Context, deviceID string, kind Kind, payload []byte) error {
	switch kind {
	case KindReading:
		reading, err := r.decode.reading(deviceID, payload)
		if err != nil {
			return err
		}
		r.sink.HandleReading(ctx, reading)

	case KindStatus:
		ev, err := r.decode.status(deviceID, payload)
		if err != nil {
			return err
		}
		r.sink.HandleStatus(ctx, ev)

	case KindAlerts:
		alert, err := r.decode.alert(deviceID, payload)
		if err != nil {
			return err
		}
		r.sink.HandleDeviceAlert(ctx, alert)

	case KindConfig:
		report, ok, err := r.decode.config(deviceID, payload)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Debug("ignoring own config publish", "device_id", deviceID)
			return nil
		}
		r.sink.HandleConfig(ctx, report)
	}
	return nil
}
