package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the realtime hub and the HTTP API.
//
// All recording methods are safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
type Metrics struct {
	// ConnectionsOpen is the number of registered websocket connections.
	ConnectionsOpen prometheus.Gauge

	// ChannelsTracked is the number of channels with live membership.
	ChannelsTracked prometheus.Gauge

	// ActiveMembers is the number of connections currently viewing a channel.
	ActiveMembers prometheus.Gauge

	// Subscriptions is the number of (connection, channel) subscriptions.
	Subscriptions prometheus.Gauge

	// OperationCounter counts inbound client operations.
	// Labels: op, status (ok|error)
	OperationCounter *prometheus.CounterVec

	// BroadcastCounter counts fan-outs.
	// Labels: op, audience (active|subscribed)
	BroadcastCounter *prometheus.CounterVec

	// DeliveryCounter counts per-recipient deliveries.
	// Labels: outcome (delivered|failed)
	DeliveryCounter *prometheus.CounterVec

	// EvictionCounter counts connections evicted after failed delivery.
	EvictionCounter prometheus.Counter

	// MessagesRelayed counts persisted and broadcast chat messages.
	// Labels: content_type
	MessagesRelayed *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg. A nil reg uses the
// Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "commune_connections_open",
			Help: "Number of registered websocket connections",
		}),
		ChannelsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "commune_channels_tracked",
			Help: "Number of channels with at least one active or subscribed connection",
		}),
		ActiveMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "commune_channel_active_members",
			Help: "Number of connections currently viewing a channel",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "commune_channel_subscriptions",
			Help: "Number of connection to channel subscriptions",
		}),
		OperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_operations_total",
				Help: "Total number of client operations by op and status",
			},
			[]string{"op", "status"},
		),
		BroadcastCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_broadcasts_total",
				Help: "Total number of channel broadcasts by event and audience",
			},
			[]string{"op", "audience"},
		),
		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_deliveries_total",
				Help: "Total number of per-connection deliveries by outcome",
			},
			[]string{"outcome"},
		),
		EvictionCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "commune_evictions_total",
			Help: "Total number of connections evicted after a failed delivery",
		}),
		MessagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_messages_relayed_total",
				Help: "Total number of chat messages persisted and broadcast",
			},
			[]string{"content_type"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commune_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

// SetMembership records a snapshot of membership sizes.
func (m *Metrics) SetMembership(channels, active, subscriptions int) {
	if m == nil {
		return
	}
	m.ChannelsTracked.Set(float64(channels))
	m.ActiveMembers.Set(float64(active))
	m.Subscriptions.Set(float64(subscriptions))
}

// RecordOperation counts an inbound client operation.
func (m *Metrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationCounter.WithLabelValues(op, status).Inc()
}

// RecordBroadcast counts one fan-out and its per-recipient outcomes.
func (m *Metrics) RecordBroadcast(op, audience string, delivered, failed int) {
	if m == nil {
		return
	}
	m.BroadcastCounter.WithLabelValues(op, audience).Inc()
	if delivered > 0 {
		m.DeliveryCounter.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		m.DeliveryCounter.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordEviction counts a connection evicted after a failed delivery.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionCounter.Inc()
}

// MessageRelayed counts a relayed chat message.
func (m *Metrics) MessageRelayed(contentType string) {
	if m == nil {
		return
	}
	m.MessagesRelayed.WithLabelValues(contentType).Inc()
}

// RecordHTTPRequest records an HTTP request's latency and status.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	m.HTTPRequestCounter.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}
