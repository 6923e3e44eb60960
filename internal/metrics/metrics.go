package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels rollbacks that completed every step.
	OutcomeSuccess = "success"
	// OutcomeFailure labels rollbacks that fell back to the basic fallback.
	OutcomeFailure = "failure"
	// OutcomeSkipped labels triggers dropped by arbitration or the in-progress guard.
	OutcomeSkipped = "skipped"
)

const namespace = "migration_guard"

var (
	comparisonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Legacy/new tracking comparisons, partitioned by overall severity.",
		},
		[]string{"severity"},
	)

	discrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrepancies_total",
			Help:      "Discrepancies found between tracking systems, partitioned by type.",
		},
		[]string{"type"},
	)

	checkStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_status",
			Help:      "Latest status per health check (0 healthy, 1 warning, 2 critical).",
		},
		[]string{"check"},
	)

	overallHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overall_health",
			Help:      "Latest aggregated migration health (0 healthy, 1 warning, 2 critical).",
		},
	)

	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Emergency rollback attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	flagUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flag_updates_total",
			Help:      "Feature flag mutations, partitioned by flag name.",
		},
		[]string{"flag"},
	)

	healthCheckSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_seconds",
			Help:      "Duration of a full health-check cycle in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)
)

// Register attaches migration-guard collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		comparisonsTotal,
		discrepanciesTotal,
		checkStatus,
		overallHealth,
		rollbacksTotal,
		flagUpdatesTotal,
		healthCheckSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveComparison counts a comparison and each of its discrepancy types.
func ObserveComparison(severity string, discrepancyTypes []string) {
	comparisonsTotal.WithLabelValues(severity).Inc()
	for _, t := range discrepancyTypes {
		discrepanciesTotal.WithLabelValues(t).Inc()
	}
}

// ObserveHealthCycle records per-check statuses, the overall status and the cycle duration.
// Status values are ranks: 0 healthy, 1 warning, 2 critical.
func ObserveHealthCycle(checks map[string]int, overall int, duration time.Duration) {
	for name, rank := range checks {
		checkStatus.WithLabelValues(name).Set(float64(rank))
	}
	overallHealth.Set(float64(overall))
	if duration < 0 {
		duration = 0
	}
	healthCheckSeconds.Observe(duration.Seconds())
}

// ObserveRollback counts a rollback attempt by outcome.
func ObserveRollback(outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeSkipped:
	default:
		outcome = OutcomeFailure
	}
	rollbacksTotal.WithLabelValues(outcome).Inc()
}

// ObserveFlagUpdate counts a flag mutation.
func ObserveFlagUpdate(flag string) {
	flagUpdatesTotal.WithLabelValues(flag).Inc()
}
