// Package metrics exposes Prometheus instrumentation for the telemetry
// pipeline. Each Metrics owns its registry so tests and multiple instances
// never collide on global registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botcareu"

// Result labels.
const (
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultUnknown   = "unknown_device"
	ResultConflict  = "state_conflict"

	ResultSent      = "sent"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
	ResultExpired   = "expired"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	samples      *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	intents      *prometheus.CounterVec
	deliveryTime *prometheus.HistogramVec
	retryDepth   prometheus.Gauge
	wsClients    prometheus.Gauge
	fanoutDrops  prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_messages_total",
			Help:      "Device messages received by kind and result",
		}, []string{"kind", "result"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_samples_total",
			Help:      "Classified temperature samples by tier and validity",
		}, []string{"tier", "valid"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Notification channel delivery attempts by channel and result",
		}, []string{"channel", "result"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_intents_total",
			Help:      "Notification intents by alert type and final result",
		}, []string{"type", "result"}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_seconds",
			Help:      "Channel delivery latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		retryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_retry_queue_depth",
			Help:      "Intents waiting in the retry queue",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_clients",
			Help:      "Connected realtime clients",
		}),
		fanoutDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_events_total",
			Help:      "Events dropped because a client send buffer was full",
		}),
	}

	m.registry.MustRegister(
		m.messages, m.samples, m.deliveries, m.intents, m.deliveryTime,
		m.retryDepth, m.wsClients, m.fanoutDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageReceived counts one router message.
func (m *Metrics) MessageReceived(kind, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, result).Inc()
}

// SampleClassified counts one classified sample.
func (m *Metrics) SampleClassified(tier string, valid bool) {
	if m == nil {
		return
	}
	v := "false"
	if valid {
		v = "true"
	}
	m.samples.WithLabelValues(tier, v).Inc()
}

// Delivery records one channel attempt and its latency.
func (m *Metrics) Delivery(channel, result string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
	m.deliveryTime.WithLabelValues(channel).Observe(seconds)
}

// IntentFinished counts an intent reaching a final or skipped state.
func (m *Metrics) IntentFinished(alertType, result string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(alertType, result).Inc()
}

// SetRetryDepth publishes the current retry queue length.
func (m *Metrics) SetRetryDepth(n int) {
	if m == nil {
		return
	}
	m.retryDepth.Set(float64(n))
}

// SetClients publishes the connected realtime client count.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// FanoutDropped counts an event dropped for a slow client.
func (m *Metrics) FanoutDropped() {
	if m == nil {
		return
	}
	m.fanoutDrops.Inc()
}

// Messages returns the router message counter (kind, result).
func (m *Metrics) Messages() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.messages
}

// Deliveries returns the channel delivery counter (channel, result).
func (m *Metrics) Deliveries() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.deliveries
}

// Intents returns the intent outcome counter (type, result).
func (m *Metrics) Intents() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.intents
}

// FanoutDrops returns the dropped realtime event counter.
func (m *Metrics) FanoutDrops() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.fanoutDrops
}
