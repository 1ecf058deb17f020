// Package models provides domain models for the advisor pipeline.
package models

import (
	"time"
)

// RequestKind identifies what produced an analysis request.
type RequestKind string

const (
	KindScheduled   RequestKind = "scheduled"
	KindEmergency   RequestKind = "emergency"
	KindManual      RequestKind = "manual"
	KindHealthCheck RequestKind = "health_check" // live metrics could not be fetched
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	switch k {
	case KindScheduled, KindEmergency, KindManual, KindHealthCheck:
		return true
	}
	return false
}

// RequestPriority is informational; the queue is strictly FIFO.
type RequestPriority string

const (
	RequestNormal RequestPriority = "normal"
	RequestHigh   RequestPriority = "high"
)

// Valid reports whether p is a known request priority.
func (p RequestPriority) Valid() bool {
	return p == RequestNormal || p == RequestHigh
}

// AnalysisRequest is a unit of work for the queue processor.
// It is never mutated after creation.
type AnalysisRequest struct {
	ID          string          `json:"id"`
	Kind        RequestKind     `json:"kind"`
	Priority    RequestPriority `json:"priority"`
	CustomFocus string          `json:"custom_focus,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RequestState tracks an analysis request through the processor.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateExecuting RequestState = "executing"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
)

// Terminal reports whether the state is final.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RequestStatus is the pollable view of a request.
type RequestStatus struct {
	Request   AnalysisRequest `json:"request"`
	State     RequestState    `json:"state"`
	RunID     string          `json:"run_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SchedulerStatus is the snapshot returned by a status query.
type SchedulerStatus struct {
	IsRunning            bool                `json:"is_running" yaml:"is_running"`
	Schedule             string              `json:"schedule" yaml:"schedule"`
	TotalRuns            int64               `json:"total_runs" yaml:"total_runs"`
	SuccessfulRuns       int64               `json:"successful_runs" yaml:"successful_runs"`
	FailedRuns           int64               `json:"failed_runs" yaml:"failed_runs"`
	SuccessRate          float64             `json:"success_rate" yaml:"success_rate"`
	LastRunAt            *time.Time          `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	QueueDepth           int                 `json:"queue_depth" yaml:"queue_depth"`
	QueueCapacity        int                 `json:"queue_capacity" yaml:"queue_capacity"`
	QueueRejected        uint64              `json:"queue_rejected" yaml:"queue_rejected"`
	Executing            int                 `json:"executing" yaml:"executing"`
	NextScheduledAt      *time.Time          `json:"next_scheduled_at,omitempty" yaml:"next_scheduled_at,omitempty"`
	EmergencyTriggers    int64               `json:"emergency_triggers" yaml:"emergency_triggers"`
	MonitorUnknownChecks int64               `json:"monitor_unknown_checks" yaml:"monitor_unknown_checks"`
	AppliedChanges       int64               `json:"applied_changes" yaml:"applied_changes"`
	AutoApplyEnabled     bool                `json:"auto_apply_enabled" yaml:"auto_apply_enabled"`
	Thresholds           EmergencyThresholds `json:"thresholds" yaml:"thresholds"`
}
