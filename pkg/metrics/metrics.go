// Package metrics provides Prometheus metrics for fern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourceRequestsTotal tracks listing source requests by endpoint and status
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "source",
			Name:      "requests_total",
			Help:      "Total number of listing source requests",
		},
		[]string{"endpoint", "status_code"},
	)

	// SourceRequestDuration tracks listing source request latency
	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "source",
			Name:      "request_duration_seconds",
			Help:      "Duration of listing source requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"endpoint"},
	)

	// ThrottlesTotal tracks throttle signals by the cooldown level they triggered
	ThrottlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "harvester",
			Name:      "throttles_total",
			Help:      "Total number of throttle signals by cooldown level",
		},
		[]string{"level"},
	)

	// BatchRestsTotal tracks long rests taken after a batch of requests
	BatchRestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "harvester",
			Name:      "batch_rests_total",
			Help:      "Total number of batch rests",
		},
	)

	// CurrentDelaySeconds is the adaptive inter-request delay
	CurrentDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "harvester",
			Name:      "current_delay_seconds",
			Help:      "Current adaptive inter-request delay in seconds",
		},
	)

	// HarvestOutcomesTotal tracks per-scope harvest outcomes
	HarvestOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "harvester",
			Name:      "scope_outcomes_total",
			Help:      "Total number of harvested scopes by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileChangesTotal tracks listing changes applied by reconciliation
	ReconcileChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Total number of listing changes by kind",
		},
		[]string{"change"},
	)

	// RunsTotal tracks finished runs by kind and status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Total number of finished runs by kind and status",
		},
		[]string{"kind", "status"},
	)

	// RunDuration tracks run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"kind"},
	)

	// ResolverOutcomesTotal tracks resolution results by method
	ResolverOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "outcomes_total",
			Help:      "Total number of complex resolutions by method",
		},
		[]string{"method"},
	)

	// BargainScores tracks the distribution of computed bargain scores
	BargainScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "scoring",
			Name:      "bargain_score",
			Help:      "Distribution of bargain scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
	)

	// EventsPublishedTotal tracks events written to Kafka
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of published events",
		},
		[]string{"topic", "status"},
	)
)
