package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects scheduler metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Inbound events and the scheduling decision taken for each
//   - Turn outcomes and durations
//   - Queue depth at decision time and admission wait
//   - Active turns and stuck sessions
//   - Tool policy decisions and session resets
type Metrics struct {
	// InboundEvents counts inbound events by channel.
	// Labels: channel
	InboundEvents *prometheus.CounterVec

	// QueueDecisions counts scheduling decisions.
	// Labels: action (started|waiting|queued|merged|...)
	QueueDecisions *prometheus.CounterVec

	// QueueDepth observes a session's queue depth after each decision.
	QueueDepth prometheus.Histogram

	// TurnsTotal counts completed turns.
	// Labels: outcome (success|error|cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures turn execution time in seconds.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	TurnDuration prometheus.Histogram

	// ActiveTurns is the number of turns executing now.
	ActiveTurns prometheus.Gauge

	// AdmissionWait measures time spent waiting for a concurrency slot.
	// Buckets: 0s, 0.01s, 0.1s, 0.5s, 1s, 5s, 30s, 120s
	AdmissionWait prometheus.Histogram

	// StuckSessions is the number of sessions flagged at the last heartbeat.
	StuckSessions prometheus.Gauge

	// PolicyDecisions counts tool policy checks.
	// Labels: result (allowed|denied)
	PolicyDecisions *prometheus.CounterVec

	// SessionResets counts lifecycle resets.
	// Labels: reason (daily|idle)
	SessionResets *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. A nil reg uses
// a fresh private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		InboundEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_inbound_events_total",
				Help: "Total number of inbound events by channel",
			},
			[]string{"channel"},
		),

		QueueDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_queue_decisions_total",
				Help: "Total number of scheduling decisions by action",
			},
			[]string{"action"},
		),

		QueueDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstile_queue_depth",
				Help:    "Session queue depth observed after each scheduling decision",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_turns_total",
				Help: "Total number of completed turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstile_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "turnstile_active_turns",
				Help: "Number of turns currently executing",
			},
		),

		AdmissionWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstile_admission_wait_seconds",
				Help:    "Time turns waited for a concurrency slot",
				Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
		),

		StuckSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "turnstile_stuck_sessions",
				Help: "Sessions processing longer than the stuck threshold at the last heartbeat",
			},
		),

		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_policy_decisions_total",
				Help: "Total number of tool policy checks by result",
			},
			[]string{"result"},
		),

		SessionResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_session_resets_total",
				Help: "Total number of session resets by reason",
			},
			[]string{"reason"},
		),
	}
}

// InboundEvent records an inbound event.
func (m *Metrics) InboundEvent(channel string) {
	if m == nil {
		return
	}
	if channel == "" {
		channel = "unknown"
	}
	m.InboundEvents.WithLabelValues(channel).Inc()
}

// RecordPolicyDecision records a tool policy check.
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PolicyDecisions.WithLabelValues(result).Inc()
}

// RecordSessionReset records a lifecycle reset.
func (m *Metrics) RecordSessionReset(reason string) {
	if m == nil {
		return
	}
	m.SessionResets.WithLabelValues(reason).Inc()
}

// MetricsHandler serves the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
