// Package telemetry exposes Prometheus metrics for kernels, command queues,
// routing and transports. A nil or disabled *Metrics is a no-op, so callers
// never need to guard metric calls.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures metric collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Namespace is the metrics namespace prefix.
	Namespace string

	// DefaultHistogramBuckets overrides prometheus.DefBuckets.
	DefaultHistogramBuckets []float64
}

// DefaultMetricsConfig returns an enabled config with the "kernelmesh" namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: "kernelmesh"}
}

// Metrics provides Prometheus metrics for KernelMesh.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsHandled *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Queue metrics
	queueDepth *prometheus.GaugeVec

	// Event metrics
	eventsPublished *prometheus.CounterVec

	// Routing metrics
	routingSlipRejections *prometheus.CounterVec
	routingDecisions      *prometheus.CounterVec

	// Transport metrics
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_handled_total",
				Help:      "Total number of commands handled by a kernel",
			},
			[]string{"kernel", "command_type", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of command handling in seconds",
				Buckets:   buckets,
			},
			[]string{"kernel", "command_type"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "command_queue_depth",
				Help:      "Current number of operations waiting in a kernel's command queue",
			},
			[]string{"kernel"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published by a kernel",
			},
			[]string{"kernel", "event_type"},
		),
		routingSlipRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_slip_rejections_total",
				Help:      "Total number of routing slip stamps rejected as duplicates",
			},
			[]string{"kernel"},
		),
		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Total number of composite routing decisions by rule",
			},
			[]string{"composite", "reason"},
		),
		envelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_sent_total",
				Help:      "Total number of envelopes written to a connection",
			},
			[]string{"connection", "kind"},
		),
		envelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Total number of envelopes read from a connection",
			},
			[]string{"connection", "kind"},
		),
	}

	registry.MustRegister(
		m.commandsHandled,
		m.commandDuration,
		m.queueDepth,
		m.eventsPublished,
		m.routingSlipRejections,
		m.routingDecisions,
		m.envelopesSent,
		m.envelopesReceived,
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool { return m != nil && m.registry != nil }

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCommand records the outcome and duration of one handled command.
func (m *Metrics) RecordCommand(kernel, commandType string, duration time.Duration, err error) {
	if !m.Enabled() {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.commandsHandled.WithLabelValues(kernel, commandType, outcome).Inc()
	m.commandDuration.WithLabelValues(kernel, commandType).Observe(duration.Seconds())
}

// SetQueueDepth sets the number of operations waiting on a kernel.
func (m *Metrics) SetQueueDepth(kernel string, depth int) {
	if !m.Enabled() {
		return
	}
	m.queueDepth.WithLabelValues(kernel).Set(float64(depth))
}

// RecordEvent counts one event forwarded to a kernel's subscribers.
func (m *Metrics) RecordEvent(kernel, eventType string) {
	if !m.Enabled() {
		return
	}
	m.eventsPublished.WithLabelValues(kernel, eventType).Inc()
}

// RecordRoutingSlipRejection counts a duplicate stamp.
func (m *Metrics) RecordRoutingSlipRejection(kernel string) {
	if !m.Enabled() {
		return
	}
	m.routingSlipRejections.WithLabelValues(kernel).Inc()
}

// RecordRoutingDecision counts which resolution rule picked a kernel.
func (m *Metrics) RecordRoutingDecision(composite, reason string) {
	if !m.Enabled() {
		return
	}
	m.routingDecisions.WithLabelValues(composite, reason).Inc()
}

// RecordEnvelopeSent counts an envelope written to a connection.
func (m *Metrics) RecordEnvelopeSent(connection, kind string) {
	if !m.Enabled() {
		return
	}
	m.envelopesSent.WithLabelValues(connection, kind).Inc()
}

// RecordEnvelopeReceived counts an envelope read from a connection.
func (m *Metrics) RecordEnvelopeReceived(connection, kind string) {
	if !m.Enabled() {
		return
	}
	m.envelopesReceived.WithLabelValues(connection, kind).Inc()
}
