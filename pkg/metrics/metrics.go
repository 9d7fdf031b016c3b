package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for completed check jobs.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
	// OutcomeReleased is a check canceled by node shutdown and handed to another node.
	OutcomeReleased = "released"
)

// Metrics holds all Prometheus metrics for pipecheck.
// Using promauto for automatic registration with default registry.
var (
	// --- Check Job Metrics ---

	// ChecksStarted counts check jobs submitted to the engine.
	ChecksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "checks",
			Name:      "started_total",
			Help:      "Total number of consistency check jobs started",
		},
	)

	// CheckOutcomes counts terminal outcomes by classification.
	CheckOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "checks",
			Name:      "outcomes_total",
			Help:      "Total number of consistency check outcomes by classification",
		},
		[]string{"outcome"},
	)

	// CheckDuration tracks the duration of the blocking check body.
	CheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipecheck",
			Subsystem: "checks",
			Name:      "duration_seconds",
			Help:      "Duration of consistency checks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"algorithm"},
	)

	// CheckersRunning tracks checkers currently published in a handle.
	CheckersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipecheck",
			Subsystem: "checks",
			Name:      "checkers_running",
			Help:      "Number of consistency checkers currently running",
		},
	)

	// --- Engine Metrics ---

	// EngineTasksRunning tracks units executing per engine.
	EngineTasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipecheck",
			Subsystem: "engine",
			Name:      "tasks_running",
			Help:      "Number of units currently executing",
		},
		[]string{"engine"},
	)

	// EngineTasksWaiting tracks units waiting for an engine slot.
	EngineTasksWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipecheck",
			Subsystem: "engine",
			Name:      "tasks_waiting",
			Help:      "Number of submitted units waiting for a free slot",
		},
		[]string{"engine"},
	)

	// --- Worker Metrics ---

	// CommandsConsumed counts commands read from the command stream.
	CommandsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Total commands consumed by action",
		},
		[]string{"action"},
	)

	// HeartbeatsSent counts heartbeats sent by the worker.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// --- Scheduler Metrics ---

	// ActiveNodes tracks number of live worker nodes.
	ActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipecheck",
			Subsystem: "cluster",
			Name:      "active_nodes",
			Help:      "Number of active worker nodes",
		},
	)

	// OrphansReaped counts job items failed because their node died.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "scheduler",
			Name:      "orphans_reaped_total",
			Help:      "Total number of orphaned job items cleaned up",
		},
	)

	// --- Governance Metrics ---

	// GovernanceRejected counts writes rejected by an open circuit.
	GovernanceRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipecheck",
			Subsystem: "governance",
			Name:      "rejected_total",
			Help:      "Total governance writes rejected by the circuit breaker",
		},
	)
)

// RecordOutcome records metrics for a classified check outcome.
func RecordOutcome(outcome string) {
	CheckOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCheck records the duration of a finished check body.
func RecordCheck(algorithm string, durationSeconds float64) {
	CheckDuration.WithLabelValues(algorithm).Observe(durationSeconds)
}
