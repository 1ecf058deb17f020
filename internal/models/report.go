package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// VenueStats aggregates trades executed on one venue.
type VenueStats struct {
	Trades           int             `json:"trades"`
	SuccessfulTrades int             `json:"successful_trades"`
	Profit           decimal.Decimal `json:"profit"`
	AvgLatencyMs     float64         `json:"avg_latency_ms"`
}

// StrategyStats aggregates trades for one strategy.
type StrategyStats struct {
	Trades      int             `json:"trades"`
	SuccessRate float64         `json:"success_rate"`
	Profit      decimal.Decimal `json:"profit"`
}

// RiskMetrics holds risk figures for the report window.
type RiskMetrics struct {
	MaxDrawdown float64 `json:"max_drawdown"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	Volatility  float64 `json:"volatility"`
}

// Report is an immutable performance snapshot for one analysis run.
type Report struct {
	Window                Window                   `json:"window"`
	TotalTrades           int                      `json:"total_trades"`
	SuccessfulTrades      int                      `json:"successful_trades"`
	TotalProfit           decimal.Decimal          `json:"total_profit"`
	TotalFees             decimal.Decimal          `json:"total_fees"`
	SuccessRate           float64                  `json:"success_rate"`
	ProfitPerTrade        decimal.Decimal          `json:"profit_per_trade"`
	Venues                map[string]VenueStats    `json:"venues"`
	Strategies            map[string]StrategyStats `json:"strategies"`
	Risk                  RiskMetrics              `json:"risk"`
	IssuesDetected        []string                 `json:"issues_detected"`
	MissedOpportunities   int                      `json:"missed_opportunities"`
	AvgExecutionLatencyMs float64                  `json:"avg_execution_latency_ms"`
	GeneratedAt           time.Time                `json:"generated_at"`
}

// MetricsSnapshot is the short-lived live view the emergency monitor checks.
type MetricsSnapshot struct {
	SuccessRate         float64   `json:"success_rate"`
	Drawdown            float64   `json:"drawdown"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TakenAt             time.Time `json:"taken_at"`
}
