package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type enqueueCall struct {
	kind     models.RequestKind
	priority models.RequestPriority
	focus    string
}

type fakeController struct {
	enqueued   []enqueueCall
	forced     []models.RequestKind
	enqueueErr error
	states     map[string]models.RequestStatus
	status     models.SchedulerStatus
	scheduleFn func(expr string) error
	thresholds *models.EmergencyThresholds
	history    []models.AnalysisHistoryRecord
	limit      int
	reverts    map[string]models.RevertResult
}

func (f *fakeController) Enqueue(ctx context.Context, kind models.RequestKind, priority models.RequestPriority, focus string) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, enqueueCall{kind, priority, focus})
	return "req-1", nil
}

func (f *fakeController) Force(ctx context.Context, kind models.RequestKind) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.forced = append(f.forced, kind)
	return "req-force", nil
}

func (f *fakeController) RequestState(id string) (models.RequestStatus, bool) {
	st, ok := f.states[id]
	return st, ok
}

func (f *fakeController) Status() models.SchedulerStatus { return f.status }

func (f *fakeController) UpdateSchedule(ctx context.Context, expr string) error {
	if f.scheduleFn != nil {
		if err := f.scheduleFn(expr); err != nil {
			return err
		}
	}
	f.status.Schedule = expr
	return nil
}

func (f *fakeController) UpdateThresholds(ctx context.Context, t models.EmergencyThresholds) error {
	f.thresholds = &t
	return nil
}

func (f *fakeController) History(ctx context.Context, limit int) ([]models.AnalysisHistoryRecord, error) {
	f.limit = limit
	return f.history, nil
}

func (f *fakeController) RevertRun(ctx context.Context, runID string) (models.RevertResult, error) {
	if res, ok := f.reverts[runID]; ok {
		return res, nil
	}
	if runID == "run-readonly" {
		return models.RevertResult{}, security.NewAccessController(true, nil).CheckPermission(ctx, security.OpApplyConfig)
	}
	return models.RevertResult{}, apperrors.NewDataError("config change", runID, "run applied no config changes", apperrors.ErrDataNotFound)
}

type fakeStore struct {
	artifacts map[string]*models.RunArtifacts
	values    map[string]json.RawMessage
	changes   []models.ConfigChangeRecord
	limit     int
}

func (f *fakeStore) GetArtifacts(ctx context.Context, runID string) (*models.RunArtifacts, error) {
	if a, ok := f.artifacts[runID]; ok {
		return a, nil
	}
	return nil, apperrors.NewDataError("artifact", runID, "not found", apperrors.ErrDataNotFound)
}

func (f *fakeStore) ConfigValues(ctx context.Context) (map[string]json.RawMessage, error) {
	return f.values, nil
}

func (f *fakeStore) ConfigChanges(ctx context.Context, limit int) ([]models.ConfigChangeRecord, error) {
	f.limit = limit
	if limit < len(f.changes) {
		return f.changes[:limit], nil
	}
	return f.changes, nil
}

func serve(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestEnqueueDefaultsToManualHigh(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPost, "/v1/analysis", EnqueueRequest{Focus: "fees"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, models.StateQueued, resp.State)
	require.Len(t, ctrl.enqueued, 1)
	assert.Equal(t, enqueueCall{models.KindManual, models.RequestHigh, "fees"}, ctrl.enqueued[0])
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPost, "/v1/analysis", map[string]string{"kind": "weekly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Code)
	assert.Empty(t, ctrl.enqueued)
}

func TestEnqueueQueueFull(t *testing.T) {
	s := NewServer(&fakeController{enqueueErr: apperrors.ErrQueueFull}, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPost, "/v1/analysis", EnqueueRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeQueueFull, decodeError(t, w).Code)
}

func TestForceWithEmptyBody(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPost, "/v1/analysis/force", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []models.RequestKind{models.KindManual}, ctrl.forced)

	w = serve(t, s, http.MethodPost, "/v1/analysis/force", ForceRequest{Kind: models.KindEmergency})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.KindEmergency, ctrl.forced[1])
}

func TestRequestState(t *testing.T) {
	ctrl := &fakeController{states: map[string]models.RequestStatus{
		"r1": {State: models.StateExecuting, RunID: "run-1"},
	}}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodGet, "/v1/analysis/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st models.RequestStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, models.StateExecuting, st.State)

	w = serve(t, s, http.MethodGet, "/v1/analysis/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleUpdate(t *testing.T) {
	next := time.Date(2025, 7, 1, 10, 15, 0, 0, time.UTC)
	ctrl := &fakeController{
		status: models.SchedulerStatus{Schedule: "0 */6 * * *", NextScheduledAt: &next},
		scheduleFn: func(expr string) error {
			if expr == "bogus" {
				return apperrors.NewScheduleError(expr, errors.New("expected 5 fields"))
			}
			return nil
		},
	}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPut, "/v1/schedule", ScheduleRequest{Schedule: "*/15 * * * *"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "*/15 * * * *", resp.Schedule)
	assert.Equal(t, "2025-07-01T10:15:00Z", resp.NextScheduledAt)

	w = serve(t, s, http.MethodPut, "/v1/schedule", ScheduleRequest{Schedule: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidSchedule, decodeError(t, w).Code)
	assert.Equal(t, "*/15 * * * *", ctrl.status.Schedule)

	w = serve(t, s, http.MethodPut, "/v1/schedule", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Code)
}

func TestScheduleReadOnly(t *testing.T) {
	ctrl := &fakeController{scheduleFn: func(string) error {
		return apperrors.Wrap(apperrors.ErrReadOnlyMode, "update_schedule")
	}}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPut, "/v1/schedule", ScheduleRequest{Schedule: "@hourly"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeReadOnly, decodeError(t, w).Code)
}

func TestThresholdsUpdate(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil, zerolog.Nop())

	next := models.EmergencyThresholds{LowSuccessRatePct: 70, HighDrawdownAbs: 50, MaxExecutionLatencyMs: 2000, FailedTradeStreak: 3}
	w := serve(t, s, http.MethodPut, "/v1/thresholds", next)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, ctrl.thresholds)
	assert.Equal(t, next, *ctrl.thresholds)

	ctrl.thresholds = nil
	bad := next
	bad.LowSuccessRatePct = 140
	w = serve(t, s, http.MethodPut, "/v1/thresholds", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidThresholds, decodeError(t, w).Code)
	assert.Nil(t, ctrl.thresholds)
}

func TestHistoryLimit(t *testing.T) {
	ctrl := &fakeController{history: []models.AnalysisHistoryRecord{{RunID: "a"}, {RunID: "b"}}}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodGet, "/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultHistoryLimit, ctrl.limit)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = serve(t, s, http.MethodGet, "/v1/history?limit=100000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, ctrl.limit)

	w = serve(t, s, http.MethodGet, "/v1/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunArtifacts(t *testing.T) {
	st := &fakeStore{artifacts: map[string]*models.RunArtifacts{"run-1": {RunID: "run-1", Report: models.Report{TotalTrades: 4}}}}
	s := NewServer(&fakeController{}, st, zerolog.Nop())

	w := serve(t, s, http.MethodGet, "/v1/history/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.RunArtifacts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Report.TotalTrades)

	w = serve(t, s, http.MethodGet, "/v1/history/run-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := NewServer(&fakeController{status: models.SchedulerStatus{IsRunning: true}}, nil, zerolog.Nop())

	w := serve(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["running"])

	w = serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestClientRoundTrip(t *testing.T) {
	ctrl := &fakeController{
		status:  models.SchedulerStatus{Schedule: "@hourly", TotalRuns: 3},
		history: []models.AnalysisHistoryRecord{{RunID: "a", Kind: models.KindScheduled}},
		scheduleFn: func(expr string) error {
			if expr == "bogus" {
				return apperrors.NewScheduleError(expr, errors.New("bad"))
			}
			return nil
		},
	}
	ctrl.reverts = map[string]models.RevertResult{"run-7": {RunID: "run-7", Reverted: []string{"risk.max_daily_loss"}}}
	st := &fakeStore{
		values:  map[string]json.RawMessage{"risk.max_daily_loss": json.RawMessage(`50`)},
		changes: []models.ConfigChangeRecord{{ID: 2, Key: "risk.max_daily_loss", OldValue: "100", NewValue: "50", Source: "operator", RunID: "run-7"}},
	}
	srv := httptest.NewServer(NewServer(ctrl, st, zerolog.Nop()).Handler())
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.TotalRuns)

	id, err := c.Enqueue(ctx, EnqueueRequest{Kind: models.KindManual, Focus: "latency"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)

	runs, err := c.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 5, ctrl.limit)

	_, err = c.UpdateSchedule(ctx, "bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSchedule))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = c.Run(ctx, "nope")
	assert.True(t, errors.Is(err, apperrors.ErrDataNotFound))

	rev, err := c.RevertRun(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"risk.max_daily_loss"}, rev.Reverted)

	values, err := c.ConfigValues(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `50`, string(values["risk.max_daily_loss"]))

	changes, err := c.ConfigChanges(ctx, 3)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "100", changes[0].OldValue)
	assert.Equal(t, 3, st.limit)
}

func TestRevertRun(t *testing.T) {
	ctrl := &fakeController{reverts: map[string]models.RevertResult{
		"run-1": {RunID: "run-1", Reverted: []string{"risk.max_daily_loss"}, Superseded: []string{"risk.max_position_size"}},
	}}
	s := NewServer(ctrl, nil, zerolog.Nop())

	w := serve(t, s, http.MethodPost, "/v1/runs/run-1/revert", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.RevertResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"risk.max_position_size"}, got.Superseded)

	w = serve(t, s, http.MethodPost, "/v1/runs/run-9/revert", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, s, http.MethodPost, "/v1/runs/run-readonly/revert", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeReadOnly, decodeError(t, w).Code)
}

func TestConfigEndpoints(t *testing.T) {
	st := &fakeStore{changes: make([]models.ConfigChangeRecord, 80)}
	s := NewServer(&fakeController{}, st, zerolog.Nop())

	w := serve(t, s, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var values ConfigValuesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &values))
	assert.NotNil(t, values.Values)
	assert.Zero(t, values.Count)

	w = serve(t, s, http.MethodGet, "/v1/config/changes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var changes ConfigChangesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &changes))
	assert.Equal(t, defaultChangesLimit, changes.Count)

	w = serve(t, s, http.MethodGet, "/v1/config/changes?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, NewServer(&fakeController{}, nil, zerolog.Nop()), http.MethodGet, "/v1/config", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
