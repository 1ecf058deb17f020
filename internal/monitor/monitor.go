// Package monitor evaluates live trading metrics against emergency thresholds.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/notify"
)

// MetricsSource supplies the short-lived live metrics snapshot.
type MetricsSource interface {
	LiveMetrics(ctx context.Context) (models.MetricsSnapshot, error)
}

// ThresholdSource returns the thresholds in force for one evaluation.
type ThresholdSource interface {
	Thresholds() models.EmergencyThresholds
}

// Status is the result class of one check.
type Status int

const (
	// Clear means metrics were fetched and no threshold is breached.
	Clear Status = iota
	// Breach means at least one threshold is breached.
	Breach
	// Unknown means metrics could not be fetched.
	Unknown
)

func (s Status) String() string {
	switch s {
	case Clear:
		return "clear"
	case Breach:
		return "breach"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is the result of Check.
type Outcome struct {
	Status   Status
	Breaches []string
	Snapshot models.MetricsSnapshot
	Err      error
}

// Triggered reports whether an emergency analysis should be requested.
// Unknown never triggers.
func (o Outcome) Triggered() bool {
	return o.Status == Breach
}

// Evaluation lists the thresholds a snapshot breaches.
type Evaluation struct {
	Breaches []string
}

// Breached reports whether any threshold was breached.
func (e Evaluation) Breached() bool {
	return len(e.Breaches) > 0
}

// Evaluate compares s against t. It has no side effects.
func Evaluate(s models.MetricsSnapshot, t models.EmergencyThresholds) Evaluation {
	var breaches []string

	if s.SuccessRate < t.LowSuccessRatePct {
		breaches = append(breaches, fmt.Sprintf("success rate %.1f%% below %.1f%%", s.SuccessRate, t.LowSuccessRatePct))
	}
	if math.Abs(s.Drawdown) > t.HighDrawdownAbs {
		breaches = append(breaches, fmt.Sprintf("drawdown %.2f exceeds %.2f", s.Drawdown, t.HighDrawdownAbs))
	}
	if s.AvgLatencyMs > t.MaxExecutionLatencyMs {
		breaches = append(breaches, fmt.Sprintf("average execution latency %.0fms above %.0fms", s.AvgLatencyMs, t.MaxExecutionLatencyMs))
	}
	if t.FailedTradeStreak > 0 && s.ConsecutiveFailures >= t.FailedTradeStreak {
		breaches = append(breaches, fmt.Sprintf("%d consecutive failed trades (limit %d)", s.ConsecutiveFailures, t.FailedTradeStreak))
	}

	return Evaluation{Breaches: breaches}
}

// Monitor runs Evaluate against freshly fetched metrics.
type Monitor struct {
	source     MetricsSource
	thresholds ThresholdSource
	notifier   notify.Notifier
	logger     zerolog.Logger
	timeout    time.Duration
}

// New creates a Monitor.
func New(source MetricsSource, thresholds ThresholdSource, notifier notify.Notifier, logger zerolog.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.NewNoOpNotifier()
	}
	return &Monitor{
		source:     source,
		thresholds: thresholds,
		notifier:   notifier,
		logger:     logger.With().Str("component", "monitor").Logger(),
		timeout:    10 * time.Second,
	}
}

// Check fetches live metrics and evaluates them. Fetch failures yield
// Unknown and are never returned as errors. On Breach a single notification
// lists every breached threshold.
func (m *Monitor) Check(ctx context.Context) Outcome {
	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snapshot, err := m.source.LiveMetrics(fetchCtx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Live metrics unavailable")
		return Outcome{Status: Unknown, Err: err}
	}

	eval := Evaluate(snapshot, m.thresholds.Thresholds())
	if !eval.Breached() {
		m.logger.Debug().
			Float64("success_rate", snapshot.SuccessRate).
			Float64("drawdown", snapshot.Drawdown).
			Msg("Emergency check clear")
		return Outcome{Status: Clear, Snapshot: snapshot}
	}

	m.logger.Warn().Strs("breaches", eval.Breaches).Msg("Emergency thresholds breached")
	if err := m.notifier.SendEmergency(ctx, eval.Breaches, snapshot); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to send emergency notification")
	}

	return Outcome{Status: Breach, Breaches: eval.Breaches, Snapshot: snapshot}
}

// Thresholds holds the process-wide thresholds. Readers get a consistent copy.
type Thresholds struct {
	v atomic.Pointer[models.EmergencyThresholds]
}

// NewThresholds creates a holder initialised with t.
func NewThresholds(t models.EmergencyThresholds) *Thresholds {
	h := &Thresholds{}
	h.Set(t)
	return h
}

// Thresholds returns the current thresholds.
func (h *Thresholds) Thresholds() models.EmergencyThresholds {
	return *h.v.Load()
}

// Set replaces the thresholds.
func (h *Thresholds) Set(t models.EmergencyThresholds) {
	h.v.Store(&t)
}
