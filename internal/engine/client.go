// Package engine is an HTTP client for the trading engine's reporting API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"smartarb-advisor/internal/config"
	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/logging"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/resilience"
	"smartarb-advisor/internal/telemetry"
	"smartarb-advisor/pkg/utils"
)

const (
	performancePath = "/api/v1/performance"
	liveMetricsPath = "/api/v1/metrics/live"
)

// PerformanceData is the raw aggregate the engine returns for a window.
type PerformanceData struct {
	TotalTrades           int                             `json:"total_trades"`
	SuccessfulTrades      int                             `json:"successful_trades"`
	TotalProfit           decimal.Decimal                 `json:"total_profit"`
	TotalFees             decimal.Decimal                 `json:"total_fees"`
	Venues                map[string]models.VenueStats    `json:"venues"`
	Strategies            map[string]models.StrategyStats `json:"strategies"`
	Risk                  models.RiskMetrics              `json:"risk"`
	MissedOpportunities   int                             `json:"missed_opportunities"`
	AvgExecutionLatencyMs float64                         `json:"avg_execution_latency_ms"`
	Errors                []string                        `json:"errors,omitempty"`
}

// Client talks to the engine API.
type Client struct {
	http    *resty.Client
	retry   utils.RetryConfig
	breaker *resilience.Breaker
	logger  zerolog.Logger
}

// NewClient creates an engine client from config. token may be empty.
func NewClient(cfg config.EngineConfig, token string, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	c := &Client{
		http:   client,
		retry:  utils.DefaultRetryConfig(),
		logger: logger.With().Str("component", "engine").Logger(),
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.IsFailure = func(err error) bool {
		return retryable(err) && !apperrors.Is(err, context.Canceled)
	}
	c.breaker = resilience.NewBreaker("engine", breakerCfg)
	c.breaker.OnStateChange(func(name string, from, to resilience.State) {
		telemetry.SetCircuitOpen(name, to != resilience.StateClosed)
		c.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("engine circuit breaker changed state")
	})
	return c
}

// PerformanceData fetches aggregates for the window. Transient failures
// are retried; a 4xx response is returned at once. After repeated failed
// fetches the engine breaker opens and calls fail fast until its cooldown.
func (c *Client) PerformanceData(ctx context.Context, window models.Window) (*PerformanceData, error) {
	data, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) (*PerformanceData, error) {
		return c.fetchPerformance(ctx, window)
	})
	if err != nil {
		c.logger.Warn().Err(err).Time("from", window.From).Time("to", window.To).Msg("performance fetch failed")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrReportUnavailable, err)
	}
	return data, nil
}

func (c *Client) fetchPerformance(ctx context.Context, window models.Window) (*PerformanceData, error) {
	return utils.RetryWithResult(ctx, c.retry, func() (*PerformanceData, error) {
		var out PerformanceData
		start := time.Now()
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"from": window.From.UTC().Format(time.RFC3339),
				"to":   window.To.UTC().Format(time.RFC3339),
			}).
			Get(performancePath)
		logging.LogAPICall(c.logger, http.MethodGet, performancePath, time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("fetching performance: %w", err)
		}
		if err := checkStatus(resp); err != nil {
			if !retryable(err) {
				return nil, utils.Permanent(err)
			}
			return nil, err
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, utils.Permanent(fmt.Errorf("parsing performance response: %w", err))
		}
		return &out, nil
	})
}

// LiveMetrics fetches the current monitoring snapshot. It is not retried:
// the monitor polls often and treats a failure as an unknown outcome.
func (c *Client) LiveMetrics(ctx context.Context) (models.MetricsSnapshot, error) {
	var snap models.MetricsSnapshot
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get(liveMetricsPath)
	logging.LogAPICall(c.logger, http.MethodGet, liveMetricsPath, time.Since(start), err)
	if err != nil {
		return snap, fmt.Errorf("%w: %w", apperrors.ErrMetricsUnavailable, err)
	}
	if err := checkStatus(resp); err != nil {
		return snap, fmt.Errorf("%w: %w", apperrors.ErrMetricsUnavailable, err)
	}
	if err := json.Unmarshal(resp.Body(), &snap); err != nil {
		return snap, fmt.Errorf("%w: parsing live metrics: %v", apperrors.ErrMetricsUnavailable, err)
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	return snap, nil
}

// StatusError is a non-2xx engine response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine API error %d: %s", e.StatusCode, utils.Truncate(e.Body, 200))
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
}

func retryable(err error) bool {
	var se *StatusError
	if apperrors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}
