// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package metrics registers Prometheus instrumentation for poll
// cycles, detection, the event bus, and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll cycle metrics
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total poll cycles per server and outcome",
		},
		[]string{"server_id", "outcome"}, // "success", "error"
	)

	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Currently tracked active sessions per server",
		},
		[]string{"server_id"},
	)

	StaleSessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sessions_swept_total",
			Help: "Sessions closed by the stale sweep",
		},
	)

	MalformedRecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "malformed_records_skipped_total",
			Help: "Upstream session records skipped during normalization",
		},
		[]string{"server_id"},
	)

	// Detection metrics
	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "violations_total",
			Help: "Detected violations by rule type and severity",
		},
		[]string{"rule_type", "severity"},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rule_evaluation_duration_seconds",
			Help:    "Duration of a full rule evaluation pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	TrustScoreUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_score_updates_total",
			Help: "Trust score mutations by direction",
		},
		[]string{"direction"}, // "debit", "recovery"
	)

	// Connection coordinator metrics
	ServerConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "server_connection_state",
			Help: "Connection state per server (0 disconnected, 1 connecting, 2 connected, 3 fallback)",
		},
		[]string{"server_id"},
	)

	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_state_changes_total",
			Help: "Circuit breaker transitions per server",
		},
		[]string{"server_id", "to_state"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published to the bus by type",
		},
		[]string{"event_type"},
	)

	EventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_publish_errors_total",
			Help: "Failed event publishes",
		},
	)

	// Historical store metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total DuckDB query errors",
		},
		[]string{"operation"},
	)
)

// ObserveDBQuery records one query's duration, and its error if any.
func ObserveDBQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}
