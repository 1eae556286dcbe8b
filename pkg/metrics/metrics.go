package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sweep metrics
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_runs_total",
			Help: "Sweep attempts by executor and outcome",
		},
		[]string{"executor", "outcome"},
	)

	SweepSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_deferred_total",
			Help: "Embedded ticks deferred because a standalone daemon holds the lease",
		},
		[]string{"executor"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Duration of one sweep pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	SweepInstancesSeen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_sweep_instances",
			Help: "Billable instances considered in the last sweep",
		},
		[]string{"executor"},
	)

	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_cycles_total",
			Help: "Billing cycles by terminal status",
		},
		[]string{"status"},
	)

	BilledAmountTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_billed_amount_usd_total",
			Help: "Total amount debited across all billed cycles in USD",
		},
	)

	InstancesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_instances_skipped_total",
			Help: "Instances skipped during sweeps by reason",
		},
		[]string{"reason"},
	)

	// Lease metrics
	ExecutorLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_executor_live",
			Help: "1 while the executor heartbeat is within the lease window",
		},
		[]string{"executor"},
	)

	// Lifecycle metrics
	LifecyclePollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_poll_errors_total",
			Help: "Provider state poll failures",
		},
	)

	LifecycleStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifecycle_instances",
			Help: "Instances per lifecycle state as of the last poll",
		},
		[]string{"state"},
	)
)

// ObserveSweep records the metrics for one completed sweep pass.
func ObserveSweep(executor, outcome string, seconds float64, billed, failed int, amountUSD float64) {
	SweepRunsTotal.WithLabelValues(executor, outcome).Inc()
	SweepDuration.WithLabelValues(executor).Observe(seconds)
	CyclesTotal.WithLabelValues("billed").Add(float64(billed))
	CyclesTotal.WithLabelValues("failed").Add(float64(failed))
	BilledAmountTotal.Add(amountUSD)
}
