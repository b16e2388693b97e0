package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run lifecycle metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseweave_runs_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_runs_completed_total",
			Help: "Total number of workflow runs reaching a terminal status",
		},
		[]string{"status"},
	)

	RunsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseweave_runs_recovered_total",
			Help: "Total number of runs resumed from a checkpoint after restart",
		},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "caseweave_runs_active",
			Help: "Number of runs currently executing",
		},
	)

	// Phase metrics
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caseweave_phase_duration_seconds",
			Help:    "Phase execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"phase"},
	)

	PhasesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_phases_completed_total",
			Help: "Total number of phases checkpointed",
		},
		[]string{"phase"},
	)

	// Activity metrics
	ActivityAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_activity_attempts_total",
			Help: "Total activity invocation attempts including retries",
		},
		[]string{"activity"},
	)

	ActivityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_activity_failures_total",
			Help: "Total activities that exhausted their retries",
		},
		[]string{"activity", "phase"},
	)

	ActivityLivenessTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_activity_liveness_timeouts_total",
			Help: "Total activity attempts failed for missing liveness markers",
		},
		[]string{"activity"},
	)

	AnalystsSelected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caseweave_analysts_selected",
			Help:    "Number of analyst activities fanned out per analysis phase",
			Buckets: []float64{0, 1, 2, 3},
		},
	)

	// Control signal metrics
	SignalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_signals_received_total",
			Help: "Total control signals accepted",
		},
		[]string{"kind"},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseweave_checkpoint_writes_total",
			Help: "Total checkpoint writes by store driver",
		},
		[]string{"driver"},
	)
)
