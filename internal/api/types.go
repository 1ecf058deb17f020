package api

import (
	"encoding/json"

	"smartarb-advisor/internal/models"
)

// EnqueueRequest is the body of POST /v1/analysis.
type EnqueueRequest struct {
	Kind     models.RequestKind     `json:"kind" binding:"omitempty,oneof=scheduled emergency manual health_check"`
	Priority models.RequestPriority `json:"priority" binding:"omitempty,oneof=normal high"`
	Focus    string                 `json:"focus" binding:"max=2000"`
}

// ForceRequest is the body of POST /v1/analysis/force. An empty body forces
// a manual analysis.
type ForceRequest struct {
	Kind models.RequestKind `json:"kind" binding:"omitempty,oneof=scheduled emergency manual health_check"`
}

// ScheduleRequest is the body of PUT /v1/schedule.
type ScheduleRequest struct {
	Schedule string `json:"schedule" binding:"required"`
}

// EnqueueResponse is returned when a request is accepted.
type EnqueueResponse struct {
	RequestID string              `json:"request_id"`
	State     models.RequestState `json:"state"`
}

// ScheduleResponse echoes the committed schedule.
type ScheduleResponse struct {
	Schedule        string `json:"schedule"`
	NextScheduledAt string `json:"next_scheduled_at,omitempty"`
}

// HistoryResponse lists completed runs, oldest first.
type HistoryResponse struct {
	Runs  []models.AnalysisHistoryRecord `json:"runs"`
	Count int                            `json:"count"`
}

// ConfigValuesResponse is the body of GET /v1/config.
type ConfigValuesResponse struct {
	Values map[string]json.RawMessage `json:"values"`
	Count  int                        `json:"count"`
}

// ConfigChangesResponse lists config change log entries, newest first.
type ConfigChangesResponse struct {
	Changes []models.ConfigChangeRecord `json:"changes"`
	Count   int                         `json:"count"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidSchedule   = "INVALID_SCHEDULE"
	CodeInvalidThresholds = "INVALID_THRESHOLDS"
	CodeQueueFull         = "QUEUE_FULL"
	CodeReadOnly          = "READ_ONLY"
	CodeNotFound          = "NOT_FOUND"
	CodeConfigWrite       = "CONFIG_WRITE_FAILED"
	CodeInternal          = "INTERNAL"
)
