// Package metrics declares the engine's Prometheus metrics, renamed from
// the teacher's intent-fulfillment domain (pkg/metrics/metrics.go) to the
// DCA domain but kept in the same CounterVec/HistogramVec/GaugeVec shapes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlanExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_plan_executions_total",
		Help: "Total number of plan execution attempts by outcome",
	}, []string{"status"})

	PlanExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_plan_execution_duration_seconds",
		Help:    "Time taken to execute one DCA plan iteration",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"status"})

	ActivePlans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_active_plans",
		Help: "The number of due ACTIVE plans selected by the most recent scheduler tick",
	})

	GasUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_gas_used",
		Help:    "Gas used per executed batch",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
	})

	GasCostEth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_gas_cost_eth",
		Help:    "ETH cost per executed batch",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_retry_count_total",
		Help: "Number of per-plan pipeline retries attempted by the scheduler",
	}, []string{"reason"})

	VaultDepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_vault_deposits_total",
		Help: "Total number of vault deposits by outcome",
	}, []string{"status"})

	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_scheduler_tick_duration_seconds",
		Help:    "Wall-clock time to complete one scheduler tick across all batches",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
