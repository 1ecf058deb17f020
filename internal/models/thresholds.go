package models

import "fmt"

// EmergencyThresholds are the live-metric limits that trigger an
// out-of-cadence analysis.
type EmergencyThresholds struct {
	LowSuccessRatePct     float64 `json:"low_success_rate_pct" yaml:"low_success_rate_pct"`
	HighDrawdownAbs       float64 `json:"high_drawdown_abs" yaml:"high_drawdown_abs"`
	MaxExecutionLatencyMs float64 `json:"max_execution_latency_ms" yaml:"max_execution_latency_ms"`
	FailedTradeStreak     int     `json:"failed_trade_streak" yaml:"failed_trade_streak"`
}

// DefaultThresholds returns the stock threshold set.
func DefaultThresholds() EmergencyThresholds {
	return EmergencyThresholds{
		LowSuccessRatePct:     60,
		HighDrawdownAbs:       100,
		MaxExecutionLatencyMs: 5000,
		FailedTradeStreak:     5,
	}
}

// Validate checks that every threshold is usable.
func (t EmergencyThresholds) Validate() error {
	if t.LowSuccessRatePct < 0 || t.LowSuccessRatePct > 100 {
		return fmt.Errorf("low_success_rate_pct must be between 0 and 100")
	}
	if t.HighDrawdownAbs < 0 {
		return fmt.Errorf("high_drawdown_abs must be non-negative")
	}
	if t.MaxExecutionLatencyMs < 0 {
		return fmt.Errorf("max_execution_latency_ms must be non-negative")
	}
	if t.FailedTradeStreak < 0 {
		return fmt.Errorf("failed_trade_streak must be non-negative")
	}
	return nil
}
