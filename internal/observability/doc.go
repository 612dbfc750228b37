// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for commune.
//
// Logging is built on log/slog. Context helpers attach request, connection,
// channel, and user identifiers that every record picks up automatically, and
// values that look like bearer tokens or JWTs are redacted before they are
// written.
//
// Metrics are registered on an injectable prometheus.Registerer so tests can
// use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordBroadcast("newMessage", "subscribed", delivered, failed)
//
// Tracing exports spans over OTLP/gRPC when an endpoint is configured and is a
// no-op otherwise.
package observability
