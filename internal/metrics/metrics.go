// Package metrics holds the Prometheus collectors for the investigation lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons an investigation enters the queued state.
const (
	QueuedCreated    = "created"
	QueuedRunCreated = "run_created"
	QueuedRequeued   = "requeued_failed"
	QueuedRecovered  = "recovered"
)

var (
	// InvestigationsQueued counts transitions into the queued state by reason.
	InvestigationsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errata_investigations_queued_total",
		Help: "Investigations moved into the queued state, by reason",
	}, []string{"reason"})

	// StaleRecoveries counts stale runs recovered to PENDING, by caller.
	StaleRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errata_stale_recoveries_total",
		Help: "PROCESSING investigations recovered after their lease went stale",
	}, []string{"source"})

	// Attempts counts recorded attempt outcomes.
	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errata_investigation_attempts_total",
		Help: "Investigation attempts by recorded outcome",
	}, []string{"outcome"})

	// RaceDiscards counts worker results dropped because another worker already finished.
	RaceDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errata_race_discards_total",
		Help: "Worker results discarded by the stale-result guard",
	}, []string{"result"})

	// DuplicateDispatches counts deliveries skipped because another worker holds the lease.
	DuplicateDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errata_duplicate_dispatches_total",
		Help: "Dispatches skipped because the run is leased by another worker",
	})

	// ConflictRetries counts coordinator transactions retried after losing a unique-constraint race.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errata_conflict_retries_total",
		Help: "Coordinator transactions retried after a unique-constraint conflict",
	})

	// KeySourcesDropped counts key sources ignored because the run already had one.
	KeySourcesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errata_key_sources_dropped_total",
		Help: "Key sources dropped because another writer attached one first",
	})

	// InvestigatorDuration tracks investigator call latency.
	InvestigatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "errata_investigator_duration_seconds",
		Help:    "Investigator call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	}, []string{"result"})
)
