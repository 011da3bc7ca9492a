// Package metrics registers the engine's Prometheus collectors: Room
// Controller queue depths, timer fires, conflict counts, and the active
// room count, exposed at /metrics via promhttp (spec.md §10).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BroadcastFires counts broadcast-timer firings, labeled by whether the
	// consolidated batch was non-empty after validation.
	BroadcastFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowroom_broadcast_fires_total",
		Help: "Number of times a room's broadcast debounce timer fired.",
	}, []string{"outcome"})

	// SyncFires counts sync-timer firings, labeled by outcome (ok, retry).
	SyncFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowroom_sync_fires_total",
		Help: "Number of times a room's sync debounce timer fired.",
	}, []string{"outcome"})

	// ConflictsTotal counts rejected change events, labeled by reason.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowroom_conflicts_total",
		Help: "Number of change events rejected by conflict validation.",
	}, []string{"reason"})

	// QueueDepth samples a room's queue length at enqueue time, labeled by
	// queue (broadcast, sync).
	QueueDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowroom_queue_depth",
		Help:    "Observed depth of a room's debounce queue at enqueue time.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	}, []string{"queue"})

	// ActiveRooms is a gauge sampling Registry.Count().
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowroom_active_rooms",
		Help: "Number of Room Controllers currently registered.",
	})

	// FinalizeDuration observes how long room finalization took, labeled by
	// outcome (ok, deadline_exceeded).
	FinalizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowroom_finalize_duration_seconds",
		Help:    "Time spent draining a room's queues during finalization.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)
