// Package observability provides logging, metrics, and tracing for the
// gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.Info("request processed",
//	    observability.String("route", "orders"),
//	    observability.Int("status", 200),
//	)
//
// Components default to NopLogger() and accept a logger through a
// WithXxxLogger option.
//
// # Metrics
//
// Prometheus metrics live on a private registry:
//
//	metrics := observability.NewMetrics("")
//	http.Handle("/metrics", metrics.Handler())
//
// The core series are requests_total{route,status}, latency_ms{route} and
// upstream_healthy_instances{service}.
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. Dispatch attempts and cache
// operations open spans; trace context is propagated upstream.
package observability
