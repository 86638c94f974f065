// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the DTLS gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway exports, mirroring
// spec.md §6's statistics: handshakes by result, packets received by type,
// and packets sent.
type Metrics struct {
	HandshakesByResult *prometheus.CounterVec
	HandshakeDuration  *prometheus.HistogramVec

	PacketsReceivedByType *prometheus.CounterVec
	PacketsSent           *prometheus.CounterVec
	PacketsDropped        *prometheus.CounterVec

	ActiveSessions     *prometheus.GaugeVec
	SessionDuration    prometheus.Histogram
	EndpointMigrations prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	RateLimitedHandshakes *prometheus.CounterVec

	GoroutinesActive *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered under
// namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coap_gateway"
	}

	return &Metrics{
		HandshakesByResult: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of DTLS handshakes by result",
			},
			[]string{"result"},
		),
		HandshakeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "DTLS handshake duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		),
		PacketsReceivedByType: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_received_total",
				Help:      "Total number of UDP datagrams routed to a session, by dispatch result (ByEndpoint, ByConnectionId, NewSession)",
			},
			[]string{"type"},
		),
		PacketsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_sent_total",
				Help:      "Total number of UDP datagrams sent",
			},
			[]string{"result"},
		),
		PacketsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Total number of received datagrams dropped without being routed to a session",
			},
			[]string{"reason"},
		),
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions that completed the handshake and are still being served",
			},
			[]string{"state"},
		),
		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds, from the session's first ClientHello to close",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 21600},
			},
		),
		EndpointMigrations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_migrations_total",
				Help:      "Total number of committed Connection ID endpoint migrations",
			},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of CoAP requests processed",
			},
			[]string{"status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "CoAP request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		CircuitBreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Handler circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times the handler circuit breaker tripped open",
			},
		),
		RateLimitedHandshakes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_handshakes_total",
				Help:      "Total number of ClientHello datagrams rejected by the handshake rate limiter",
			},
			[]string{"endpoint"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
	}
}

// ObserveHandshake records the outcome and duration of one DTLS handshake
// attempt.
func (m *Metrics) ObserveHandshake(f func() error) error {
	start := time.Now()
	err := f()
	duration := time.Since(start).Seconds()

	result := "success"
	if err != nil {
		result = "failure"
	}
	m.HandshakesByResult.WithLabelValues(result).Inc()
	m.HandshakeDuration.WithLabelValues(result).Observe(duration)

	return err
}

// ObserveRequest records the outcome and duration of one handler dispatch.
func (m *Metrics) ObserveRequest(f func() (string, error)) error {
	start := time.Now()
	status, err := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(duration)

	return err
}
