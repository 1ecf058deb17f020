// Package telemetry holds the Prometheus collectors exported at /metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smartarb_advisor"

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Analysis runs by request kind and final state",
	}, []string{"kind", "status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Requests waiting in the analysis queue",
	})

	queueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_rejected_total",
		Help:      "Requests rejected because the queue was full",
	})

	emergencyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_checks_total",
		Help:      "Emergency monitor checks by outcome",
	}, []string{"outcome"})

	recommendationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recommendations_total",
		Help:      "Recommendations by validation outcome",
	}, []string{"outcome"})

	configChangesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_changes_applied_total",
		Help:      "Config keys written by auto-apply",
	})

	advisoryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "advisory_request_duration_seconds",
		Help:      "Advisory service latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	}, []string{"result"})

	schedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_running",
		Help:      "1 while the scheduler is running",
	})

	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_open",
		Help:      "1 while the named upstream circuit breaker is not closed",
	}, []string{"upstream"})
)

// Recommendation outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

// RecordRun counts a finished run.
func RecordRun(kind, status string) {
	runsTotal.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth reports the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordQueueRejected counts an enqueue refused by a full queue.
func RecordQueueRejected() {
	queueRejected.Inc()
}

// RecordEmergencyCheck counts a monitor check by outcome (clear, breach, unknown).
func RecordEmergencyCheck(outcome string) {
	emergencyChecks.WithLabelValues(outcome).Inc()
}

// RecordRecommendations adds n recommendations with the given outcome.
func RecordRecommendations(outcome string, n int) {
	if n > 0 {
		recommendationsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordConfigChanges adds n applied config keys.
func RecordConfigChanges(n int) {
	if n > 0 {
		configChangesApplied.Add(float64(n))
	}
}

// ObserveAdvisory records one advisory call.
func ObserveAdvisory(d time.Duration, result string) {
	advisoryDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetSchedulerRunning flips the running gauge.
func SetSchedulerRunning(running bool) {
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
}

// SetCircuitOpen flips the breaker gauge for an upstream.
func SetCircuitOpen(upstream string, open bool) {
	if open {
		breakerOpen.WithLabelValues(upstream).Set(1)
		return
	}
	breakerOpen.WithLabelValues(upstream).Set(0)
}
