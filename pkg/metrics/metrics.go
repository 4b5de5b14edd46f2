package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesProcessed tracks server-side throughput.
	// Labels allow filtering by result (applied/conflicted/rejected/deferred)
	// branch, and envelope type.
	EnvelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_envelopes_processed_total",
		Help: "Total number of envelopes processed by the sync coordinator",
	}, []string{"result", "branch", "type"})

	// BatchDuration measures how long it takes to apply an entire batch
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_batch_duration_seconds",
		Help:    "Duration of batch application in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks the number of envelopes actually received per batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_batch_size",
		Help:    "Number of envelopes submitted per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// Discrepancies counts conflict resolutions that left a product in a
	// flagged state. A growing rate means branches are overselling offline.
	Discrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_discrepancies_total",
		Help: "Total inventory discrepancies surfaced by conflict resolution",
	}, []string{"branch"})

	// QueueBacklog tracks pending envelopes in the agent's local queue.
	// This is the primary indicator of an offline or lagging branch.
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_backlog",
		Help: "Current number of pending envelopes in the local queue",
	})

	// DeadLetterSize tracks envelopes that exhausted their retry budget.
	// If this number grows, operator intervention is required.
	DeadLetterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_dead_letter_size",
		Help: "Current number of envelopes in the dead-letter state",
	})

	// BrokerHealthy provides a binary 0/1 signal for the event broker link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_broker_healthy",
		Help: "Event broker connection health (1 healthy, 0 down)",
	})

	// BranchPoolEvictions counts health-check failures that forced a
	// branch handle to be rebuilt
	BranchPoolEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_branch_pool_evictions_total",
		Help: "Branch connection pools evicted after failed liveness probes",
	}, []string{"branch"})
)
