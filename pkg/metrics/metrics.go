package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundTotal is the total number of training rounds by outcome.
	RoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpsgd_round_total",
			Help: "Total number of DP-SGD training rounds",
		},
		[]string{"job", "status"},
	)

	RoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpsgd_round_duration_seconds",
			Help:    "DP-SGD round duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"job"},
	)

	ContributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpsgd_contributions_total",
			Help: "Total number of noised gradient sums received per role",
		},
		[]string{"job", "role"},
	)

	MissingHoldersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpsgd_missing_holders_total",
			Help: "Total number of tolerated missing data-holder contributions",
		},
		[]string{"job", "role"},
	)

	ExamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpsgd_examples_total",
			Help: "Total number of training examples aggregated",
		},
		[]string{"job"},
	)

	Steps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpsgd_steps",
			Help: "Number of accounted training steps",
		},
		[]string{"job"},
	)

	// Epsilon is the cumulative privacy loss at the configured delta.
	Epsilon = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpsgd_epsilon",
			Help: "Cumulative epsilon spent at the configured delta",
		},
		[]string{"job"},
	)

	BudgetExceeded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpsgd_budget_exceeded",
			Help: "1 if epsilon is above the target epsilon",
		},
		[]string{"job"},
	)

	GradientNorm = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpsgd_global_gradient_norm",
			Help: "L2 norm of the last global gradient",
		},
		[]string{"job"},
	)

	// LocalBatchesTotal counts batches processed by a data holder.
	LocalBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpsgd_local_batches_total",
			Help: "Total number of local batches processed by a data holder",
		},
		[]string{"job", "role", "status"},
	)
)
