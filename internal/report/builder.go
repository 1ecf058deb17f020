// Package report builds the performance snapshot handed to the advisory service.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"smartarb-advisor/internal/config"
	"smartarb-advisor/internal/engine"
	"smartarb-advisor/internal/models"
)

// Source supplies raw performance aggregates for a window.
type Source interface {
	PerformanceData(ctx context.Context, window models.Window) (*engine.PerformanceData, error)
}

// ThresholdSource supplies the current emergency thresholds.
type ThresholdSource interface {
	Thresholds() models.EmergencyThresholds
}

// Builder turns engine aggregates into a Report.
type Builder struct {
	source          Source
	thresholds      ThresholdSource
	window          time.Duration
	emergencyWindow time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

// NewBuilder creates a report builder.
func NewBuilder(source Source, thresholds ThresholdSource, cfg config.ReportConfig, logger zerolog.Logger) *Builder {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	emergency := cfg.EmergencyWindow
	if emergency <= 0 {
		emergency = time.Hour
	}
	return &Builder{
		source:          source,
		thresholds:      thresholds,
		window:          window,
		emergencyWindow: emergency,
		now:             time.Now,
		logger:          logger.With().Str("component", "report").Logger(),
	}
}

// WindowFor returns the report window for a request kind ending at now.
// Emergency and health-check runs look at the short window.
func (b *Builder) WindowFor(kind models.RequestKind, now time.Time) models.Window {
	span := b.window
	if kind == models.KindEmergency || kind == models.KindHealthCheck {
		span = b.emergencyWindow
	}
	now = now.UTC()
	return models.Window{From: now.Add(-span), To: now}
}

// Build fetches data for the request kind and returns a fresh Report.
func (b *Builder) Build(ctx context.Context, kind models.RequestKind) (*models.Report, error) {
	now := b.now()
	window := b.WindowFor(kind, now)

	data, err := b.source.PerformanceData(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("building %s report: %w", kind, err)
	}

	var t models.EmergencyThresholds
	if b.thresholds != nil {
		t = b.thresholds.Thresholds()
	} else {
		t = models.DefaultThresholds()
	}

	r := Assemble(data, window, t, now)
	b.logger.Debug().
		Str("kind", string(kind)).
		Int("trades", r.TotalTrades).
		Float64("success_rate", r.SuccessRate).
		Int("issues", len(r.IssuesDetected)).
		Msg("report built")
	return r, nil
}

// Assemble derives the report fields from raw aggregates. It is pure.
func Assemble(data *engine.PerformanceData, window models.Window, t models.EmergencyThresholds, now time.Time) *models.Report {
	r := &models.Report{
		Window:                window,
		TotalTrades:           data.TotalTrades,
		SuccessfulTrades:      data.SuccessfulTrades,
		TotalProfit:           data.TotalProfit,
		TotalFees:             data.TotalFees,
		ProfitPerTrade:        decimal.Zero,
		Venues:                copyVenues(data.Venues),
		Strategies:            copyStrategies(data.Strategies),
		Risk:                  data.Risk,
		MissedOpportunities:   data.MissedOpportunities,
		AvgExecutionLatencyMs: data.AvgExecutionLatencyMs,
		GeneratedAt:           now.UTC(),
	}

	if data.TotalTrades > 0 {
		r.SuccessRate = round2(float64(data.SuccessfulTrades) / float64(data.TotalTrades) * 100)
		r.ProfitPerTrade = data.TotalProfit.Div(decimal.NewFromInt(int64(data.TotalTrades))).Round(8)
	}

	r.IssuesDetected = DetectIssues(r, t)
	r.IssuesDetected = append(r.IssuesDetected, data.Errors...)
	return r
}

// DetectIssues lists human-readable problems in a report in a stable order.
func DetectIssues(r *models.Report, t models.EmergencyThresholds) []string {
	issues := make([]string, 0)

	if r.TotalTrades == 0 {
		issues = append(issues, "no trades executed in window")
		return issues
	}
	if r.SuccessRate < t.LowSuccessRatePct {
		issues = append(issues, fmt.Sprintf("success rate %.2f%% below %.2f%%", r.SuccessRate, t.LowSuccessRatePct))
	}
	if t.HighDrawdownAbs > 0 && math.Abs(r.Risk.MaxDrawdown) > t.HighDrawdownAbs {
		issues = append(issues, fmt.Sprintf("drawdown %.2f exceeds %.2f", r.Risk.MaxDrawdown, t.HighDrawdownAbs))
	}
	if t.MaxExecutionLatencyMs > 0 && r.AvgExecutionLatencyMs > t.MaxExecutionLatencyMs {
		issues = append(issues, fmt.Sprintf("average execution latency %.0fms exceeds %.0fms", r.AvgExecutionLatencyMs, t.MaxExecutionLatencyMs))
	}
	if r.TotalProfit.IsNegative() {
		issues = append(issues, fmt.Sprintf("net loss of %s", r.TotalProfit.Abs().StringFixed(2)))
	}
	if r.TotalProfit.IsPositive() && r.TotalFees.GreaterThan(r.TotalProfit.Div(decimal.NewFromInt(2))) {
		issues = append(issues, "fees consume more than half of profit")
	}
	if r.MissedOpportunities > 0 {
		issues = append(issues, fmt.Sprintf("%d missed opportunities", r.MissedOpportunities))
	}

	venues := make([]string, 0, len(r.Venues))
	for name := range r.Venues {
		venues = append(venues, name)
	}
	sort.Strings(venues)
	for _, name := range venues {
		v := r.Venues[name]
		if v.Trades == 0 {
			continue
		}
		rate := float64(v.SuccessfulTrades) / float64(v.Trades) * 100
		if rate < t.LowSuccessRatePct {
			issues = append(issues, fmt.Sprintf("venue %s success rate %.2f%%", name, rate))
		}
	}

	strategies := make([]string, 0, len(r.Strategies))
	for name := range r.Strategies {
		strategies = append(strategies, name)
	}
	sort.Strings(strategies)
	for _, name := range strategies {
		if s := r.Strategies[name]; s.Trades > 0 && s.Profit.IsNegative() {
			issues = append(issues, fmt.Sprintf("strategy %s is losing money", name))
		}
	}

	return issues
}

func copyVenues(in map[string]models.VenueStats) map[string]models.VenueStats {
	out := make(map[string]models.VenueStats, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrategies(in map[string]models.StrategyStats) map[string]models.StrategyStats {
	out := make(map[string]models.StrategyStats, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
