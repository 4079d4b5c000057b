// Package observability provides diagnostics, structured logging, metrics and
// tracing for the turn scheduler.
//
// # Diagnostics
//
// An Emitter fans diagnostic events out to subscribers. The Tracker watches
// the scheduler (it implements queue.Observer), keeps per-session state and
// emits session.state, queue.decision, turn.started and turn.completed
// events. Tracker.Heartbeat emits a diagnostic.heartbeat summary plus one
// session.stuck event per session that has been processing longer than the
// configured threshold; StartHeartbeat runs it on a cron schedule.
//
//	emitter := observability.NewEmitter()
//	tracker := observability.NewTracker(emitter, metrics, logger, observability.TrackerConfig{})
//	stop, err := tracker.StartHeartbeat("@every 30s")
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys, bearer
// tokens and passwords from messages and attributes:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	logger.Info("turn started", "session_key", key)
//
// # Metrics
//
// Metrics are registered on a caller-supplied registry so several gateways
// (or tests) can coexist in one process:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	http.Handle("/metrics", observability.MetricsHandler(reg))
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise. The gateway opens one span per
// dispatched turn with TraceTurn.
package observability
