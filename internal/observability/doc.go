// Package observability bundles the relay's operational instrumentation:
// OpenTelemetry tracing exported over OTLP, metrics exposed through the
// Prometheus exporter, a trace-correlated slog handler, and a health server
// with pluggable checkers.
//
// Every process (the relay server and long-running clients) constructs one
// Observability value at startup and threads its Logger, TraceManager and
// MetricsManager through the components that need them; nothing in this
// package is reached through package-level state besides the global OTel
// providers it registers.
package observability
