/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "elastisched"

var (
	// Schedule runs
	ScheduleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Schedule runs by outcome.",
	}, []string{"outcome"})

	ScheduleRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full schedule run.",
		Buckets:   prometheus.DefBuckets,
	})

	OptimizerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "duration_seconds",
		Help:      "Time spent waiting on the placement optimizer.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
	}, []string{"optimizer"})

	ScheduleJobsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "jobs",
		Help:      "Jobs submitted to the optimizer in the last run.",
	})

	ScheduleSegmentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "segments",
		Help:      "Segments persisted by the last successful run.",
	})

	ScheduleViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "violations_total",
		Help:      "Validation violations found in optimizer output.",
	}, []string{"rule"})

	ScheduleDirty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dirty",
		Help:      "1 when recurrence definitions changed since the last successful run.",
	})

	// Recurrence expansion
	OccurrencesExpandedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recurrence",
		Name:      "occurrences_expanded_total",
		Help:      "Occurrences produced by recurrence expansion.",
	}, []string{"type"})

	RecurrenceDecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recurrence",
		Name:      "decode_errors_total",
		Help:      "Stored recurrence definitions that failed to decode.",
	}, []string{"type"})

	// Leadership
	LeaderElectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "leader",
		Name:      "is_leader",
		Help:      "1 when this instance holds the scheduler lease.",
	})

	LeaderElectionChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "leader",
		Name:      "changes_total",
		Help:      "Leadership transitions observed by this instance.",
	})

	// Cache
	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by kind and result.",
	}, []string{"operation", "result"})

	// Events
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by type and transport.",
	}, []string{"type", "transport"})

	// Database
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Database operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "errors_total",
		Help:      "Database operation errors.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections_active",
		Help:      "Open database connections.",
	})

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight HTTP requests.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
