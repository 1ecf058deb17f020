package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Unwrap maps the error code back onto the domain sentinel.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeInvalidSchedule:
		return apperrors.ErrInvalidSchedule
	case CodeInvalidRequest:
		return apperrors.ErrInvalidRequest
	case CodeReadOnly:
		return apperrors.ErrReadOnlyMode
	case CodeQueueFull:
		return apperrors.ErrQueueFull
	case CodeNotFound:
		return apperrors.ErrDataNotFound
	case CodeConfigWrite:
		return apperrors.ErrConfigWriteFailed
	}
	return nil
}

// Client calls a running advisor's control API.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetTimeout(timeout)
	c.SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// Status returns the scheduler status.
func (c *Client) Status(ctx context.Context) (*models.SchedulerStatus, error) {
	var out models.SchedulerStatus
	if err := c.do(ctx, resty.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue submits an analysis request and returns its id.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var out EnqueueResponse
	if err := c.do(ctx, resty.MethodPost, "/v1/analysis", req, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// Force submits a high-priority request of kind.
func (c *Client) Force(ctx context.Context, kind models.RequestKind) (string, error) {
	var out EnqueueResponse
	if err := c.do(ctx, resty.MethodPost, "/v1/analysis/force", ForceRequest{Kind: kind}, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// RequestState polls one request.
func (c *Client) RequestState(ctx context.Context, id string) (*models.RequestStatus, error) {
	var out models.RequestStatus
	if err := c.do(ctx, resty.MethodGet, "/v1/analysis/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSchedule replaces the cron schedule.
func (c *Client) UpdateSchedule(ctx context.Context, expr string) (*ScheduleResponse, error) {
	var out ScheduleResponse
	if err := c.do(ctx, resty.MethodPut, "/v1/schedule", ScheduleRequest{Schedule: expr}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateThresholds replaces the emergency thresholds.
func (c *Client) UpdateThresholds(ctx context.Context, t models.EmergencyThresholds) error {
	return c.do(ctx, resty.MethodPut, "/v1/thresholds", t, nil)
}

// History returns up to limit completed runs, oldest first.
func (c *Client) History(ctx context.Context, limit int) ([]models.AnalysisHistoryRecord, error) {
	var out HistoryResponse
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Run returns the stored report and recommendations of a run.
func (c *Client) Run(ctx context.Context, runID string) (*models.RunArtifacts, error) {
	var out models.RunArtifacts
	if err := c.do(ctx, resty.MethodGet, "/v1/history/"+runID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevertRun undoes the config changes a run auto-applied.
func (c *Client) RevertRun(ctx context.Context, runID string) (*models.RevertResult, error) {
	var out models.RevertResult
	if err := c.do(ctx, resty.MethodPost, "/v1/runs/"+runID+"/revert", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfigValues returns the current tunable config values.
func (c *Client) ConfigValues(ctx context.Context) (map[string]json.RawMessage, error) {
	var out ConfigValuesResponse
	if err := c.do(ctx, resty.MethodGet, "/v1/config", nil, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

// ConfigChanges returns up to limit change log entries, newest first.
func (c *Client) ConfigChanges(ctx context.Context, limit int) ([]models.ConfigChangeRecord, error) {
	var out ConfigChangesResponse
	path := "/v1/config/changes"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var apiErr ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &APIError{StatusCode: resp.StatusCode(), Code: apiErr.Code, Message: msg}
	}
	return nil
}
