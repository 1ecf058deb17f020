package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/pkg/utils"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "advisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(runID string, at time.Time, profit string) (models.AnalysisHistoryRecord, models.RunArtifacts) {
	report := models.Report{
		Window:           models.Window{From: at.Add(-24 * time.Hour), To: at},
		TotalTrades:      40,
		SuccessfulTrades: 30,
		TotalProfit:      decimal.RequireFromString(profit),
		TotalFees:        decimal.RequireFromString("1.25"),
		SuccessRate:      75,
		ProfitPerTrade:   decimal.RequireFromString(profit).Div(decimal.NewFromInt(40)),
		Venues: map[string]models.VenueStats{
			"binance": {Trades: 20, SuccessfulTrades: 15, Profit: decimal.RequireFromString("3.5"), AvgLatencyMs: 120},
		},
		Strategies: map[string]models.StrategyStats{
			"triangular": {Trades: 40, SuccessRate: 75, Profit: decimal.RequireFromString(profit)},
		},
		Risk:                  models.RiskMetrics{MaxDrawdown: -12.5, SharpeRatio: 1.4, Volatility: 0.02},
		IssuesDetected:        []string{"slow fills on kraken"},
		AvgExecutionLatencyMs: 180,
		GeneratedAt:           at,
	}
	recs := []models.Recommendation{{
		Category:      models.CategoryRisk,
		Priority:      models.PriorityLow,
		Title:         "Raise profit floor",
		Description:   "Skip marginal spreads",
		ConfigChanges: map[string]json.RawMessage{"risk_management.min_profit_threshold": json.RawMessage(`0.0015`)},
		Risks:         []string{"fewer trades"},
	}}
	rec := models.AnalysisHistoryRecord{
		RunID:               runID,
		RequestID:           utils.NewID(),
		Kind:                models.KindScheduled,
		CompletedAt:         at,
		ReportRef:           runID,
		RecommendationCount: len(recs),
		TotalProfit:         report.TotalProfit,
		SuccessRate:         report.SuccessRate,
	}
	return rec, models.RunArtifacts{RunID: runID, Report: report, Recommendations: recs}
}

// Property: for any run, storing its artifacts and loading them back yields
// byte-identical JSON.
func TestProperty_ArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("artifacts round-trip losslessly", prop.ForAll(
		func(cents int64, issues []string, value float64) bool {
			ctx := context.Background()
			runID := utils.NewID()
			at := time.Now().UTC().Truncate(time.Millisecond)
			rec, art := sampleRun(runID, at, decimal.New(cents, -2).String())
			art.Report.IssuesDetected = issues
			art.Recommendations[0].ConfigChanges["risk.max_position_size"] = json.RawMessage(fmt.Sprintf("%g", value))

			if err := s.AppendRun(ctx, rec, art); err != nil {
				t.Logf("AppendRun: %v", err)
				return false
			}
			loaded, err := s.GetArtifacts(ctx, runID)
			if err != nil {
				t.Logf("GetArtifacts: %v", err)
				return false
			}

			want, _ := json.Marshal(art)
			got, _ := json.Marshal(loaded)
			return bytes.Equal(want, got)
		},
		gen.Int64Range(-1_000_000, 1_000_000),
		gen.SliceOf(gen.AlphaString()),
		gen.Float64Range(0, 1e6),
	))

	properties.TestingRun(t)
}

func TestListRunsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		id := utils.NewIDAt(at)
		ids = append(ids, id)
		rec, art := sampleRun(id, at, "10.00")
		require.NoError(t, s.AppendRun(ctx, rec, art))
	}

	all, err := s.ListRuns(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, r := range all {
		assert.Equal(t, ids[i], r.RunID)
	}

	recent, err := s.ListRuns(ctx, HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].RunID)
	assert.Equal(t, ids[4], recent[1].RunID)
	assert.True(t, recent[1].TotalProfit.Equal(decimal.NewFromInt(10)))

	got, err := s.GetRun(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.KindScheduled, got.Kind)
	assert.True(t, got.CompletedAt.Equal(base.Add(2*time.Hour)))
}

func TestMissingRunIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)

	_, err = s.GetArtifacts(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)
}

func TestSetConfigValuesLogsChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfigValues(ctx, map[string]json.RawMessage{
		"risk.max_daily_loss": json.RawMessage(`250`),
	}, SourceAutoApply, "run-1"))
	require.NoError(t, s.SetConfigValues(ctx, map[string]json.RawMessage{
		"risk.max_daily_loss": json.RawMessage(`200`),
		"scheduler.schedule":  json.RawMessage(`"@hourly"`),
	}, SourceOperator, ""))

	v, ok, err := s.GetConfigValue(ctx, "risk.max_daily_loss")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `200`, string(v))

	_, ok, err = s.GetConfigValue(ctx, "unknown.key")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.ConfigValues(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	changes, err := s.ConfigChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	// newest first; keys within one write are sorted
	assert.Equal(t, "scheduler.schedule", changes[0].Key)
	assert.Equal(t, "risk.max_daily_loss", changes[1].Key)
	assert.Equal(t, "250", changes[1].OldValue)
	assert.Equal(t, "200", changes[1].NewValue)
	assert.Equal(t, SourceOperator, changes[1].Source)
	assert.Equal(t, "run-1", changes[2].RunID)
}

func TestSetConfigValuesIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetConfigValues(ctx, map[string]json.RawMessage{
		"risk.max_daily_loss": json.RawMessage(`250`),
		"risk.bad":            json.RawMessage(`{not json`),
	}, SourceAutoApply, "")
	require.Error(t, err)

	values, err := s.ConfigValues(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestNilValueDeletesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfigValues(ctx, map[string]json.RawMessage{"risk.max_daily_loss": json.RawMessage(`100`)}, SourceAutoApply, "run-1"))
	require.NoError(t, s.SetConfigValues(ctx, map[string]json.RawMessage{
		"risk.max_daily_loss": nil,
		"risk.never_set":      nil,
	}, SourceOperator, "run-1"))

	_, ok, err := s.GetConfigValue(ctx, "risk.max_daily_loss")
	require.NoError(t, err)
	assert.False(t, ok)

	changes, err := s.ConfigChangesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, changes, 2, "deleting an absent key logs nothing")
	assert.Equal(t, SourceAutoApply, changes[0].Source)
	assert.Equal(t, "", changes[0].OldValue)
	assert.Equal(t, `100`, changes[1].OldValue)
	assert.Equal(t, "", changes[1].NewValue)
	assert.Less(t, changes[0].ID, changes[1].ID)

	other, err := s.ConfigChangesForRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
