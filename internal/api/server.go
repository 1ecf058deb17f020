// Package api exposes the scheduler over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	defaultChangesLimit = 50
)

// Controller is the part of the scheduler the API drives.
type Controller interface {
	Enqueue(ctx context.Context, kind models.RequestKind, priority models.RequestPriority, focus string) (string, error)
	Force(ctx context.Context, kind models.RequestKind) (string, error)
	RequestState(id string) (models.RequestStatus, bool)
	Status() models.SchedulerStatus
	UpdateSchedule(ctx context.Context, expr string) error
	UpdateThresholds(ctx context.Context, t models.EmergencyThresholds) error
	History(ctx context.Context, limit int) ([]models.AnalysisHistoryRecord, error)
	RevertRun(ctx context.Context, runID string) (models.RevertResult, error)
}

// Store is the read side of persistence the API exposes: run artifacts,
// tunable config values and their change log.
type Store interface {
	GetArtifacts(ctx context.Context, runID string) (*models.RunArtifacts, error)
	ConfigValues(ctx context.Context) (map[string]json.RawMessage, error)
	ConfigChanges(ctx context.Context, limit int) ([]models.ConfigChangeRecord, error)
}

// Server is the HTTP control API.
type Server struct {
	ctrl   Controller
	store  Store
	logger zerolog.Logger
	engine *gin.Engine
}

// NewServer creates a Server with every route registered. st may be nil,
// in which case the history and config read endpoints answer 404.
func NewServer(ctrl Controller, st Store, logger zerolog.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		store:  st,
		logger:    logger.With().Str("component", "api").Logger(),
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// registerRoutes wires the endpoints:
//
//	POST /v1/analysis         - enqueue an analysis request
//	POST /v1/analysis/force   - enqueue a high-priority request
//	GET  /v1/analysis/:id     - poll a request
//	GET  /v1/status           - scheduler status
//	PUT  /v1/schedule         - replace the cron schedule
//	PUT  /v1/thresholds       - replace the emergency thresholds
//	GET  /v1/history          - completed runs
//	GET  /v1/history/:run_id  - stored report and recommendations of a run
//	POST /v1/runs/:run_id/revert - undo the config changes a run auto-applied
//	GET  /v1/config           - current tunable config values
//	GET  /v1/config/changes   - config change log, newest first
//	GET  /health              - liveness
//	GET  /metrics             - Prometheus metrics
func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/analysis", s.handleEnqueue)
		v1.POST("/analysis/force", s.handleForce)
		v1.GET("/analysis/:id", s.handleRequestState)
		v1.GET("/status", s.handleStatus)
		v1.PUT("/schedule", s.handleSchedule)
		v1.PUT("/thresholds", s.handleThresholds)
		v1.GET("/history", s.handleHistory)
		v1.GET("/history/:run_id", s.handleRun)
		v1.POST("/runs/:run_id/revert", s.handleRevert)
		v1.GET("/config", s.handleConfigValues)
		v1.GET("/config/changes", s.handleConfigChanges)
	}
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Control API stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindManual
	}
	if req.Priority == "" {
		req.Priority = models.RequestHigh
	}

	id, err := s.ctrl.Enqueue(c.Request.Context(), req.Kind, req.Priority, req.Focus)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, EnqueueResponse{RequestID: id, State: models.StateQueued})
}

func (s *Server) handleForce(c *gin.Context) {
	var req ForceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.KindManual
	}

	id, err := s.ctrl.Force(c.Request.Context(), req.Kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, EnqueueResponse{RequestID: id, State: models.StateQueued})
}

func (s *Server) handleRequestState(c *gin.Context) {
	st, ok := s.ctrl.RequestState(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown request id", Code: CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if err := s.ctrl.UpdateSchedule(c.Request.Context(), req.Schedule); err != nil {
		s.writeError(c, err)
		return
	}

	st := s.ctrl.Status()
	resp := ScheduleResponse{Schedule: st.Schedule}
	if st.NextScheduledAt != nil {
		resp.NextScheduledAt = st.NextScheduledAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleThresholds(c *gin.Context) {
	var t models.EmergencyThresholds
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidThresholds})
		return
	}
	if err := s.ctrl.UpdateThresholds(c.Request.Context(), t); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: CodeInvalidRequest})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := s.ctrl.History(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []models.AnalysisHistoryRecord{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleRun(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "history is not stored", Code: CodeNotFound})
		return
	}
	art, err := s.store.GetArtifacts(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, art)
}

func (s *Server) handleRevert(c *gin.Context) {
	res, err := s.ctrl.RevertRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleConfigValues(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "config is not stored", Code: CodeNotFound})
		return
	}
	values, err := s.store.ConfigValues(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	c.JSON(http.StatusOK, ConfigValuesResponse{Values: values, Count: len(values)})
}

func (s *Server) handleConfigChanges(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "config is not stored", Code: CodeNotFound})
		return
	}
	limit := defaultChangesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: CodeInvalidRequest})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	changes, err := s.store.ConfigChanges(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if changes == nil {
		changes = []models.ConfigChangeRecord{}
	}
	c.JSON(http.StatusOK, ConfigChangesResponse{Changes: changes, Count: len(changes)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.ctrl.Status().IsRunning})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, apperrors.ErrInvalidSchedule):
		status, code = http.StatusBadRequest, CodeInvalidSchedule
	case errors.Is(err, apperrors.ErrInvalidRequest):
		status, code = http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, apperrors.ErrReadOnlyMode):
		status, code = http.StatusForbidden, CodeReadOnly
	case errors.Is(err, apperrors.ErrQueueFull):
		status, code = http.StatusServiceUnavailable, CodeQueueFull
	case errors.Is(err, apperrors.ErrDataNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, apperrors.ErrConfigWriteFailed):
		status, code = http.StatusInternalServerError, CodeConfigWrite
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
