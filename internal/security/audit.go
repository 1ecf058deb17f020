package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditConfigChanged          AuditEventType = "CONFIG_CHANGED"
	AuditConfigWriteFailed      AuditEventType = "CONFIG_WRITE_FAILED"
	AuditScheduleChanged        AuditEventType = "SCHEDULE_CHANGED"
	AuditThresholdsChanged      AuditEventType = "THRESHOLDS_CHANGED"
	AuditRecommendationRejected AuditEventType = "RECOMMENDATION_REJECTED"
	AuditReadOnlyViolation      AuditEventType = "READ_ONLY_VIOLATION"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	RunID     string                 `json:"run_id,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// AuditLogger writes JSON lines describing every state-changing action.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		Path:       filepath.Join(home, ".config", "smartarb-advisor", "logs", "audit.log"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger backed by a rotating file.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	// Restricted permissions on the audit directory
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return NewAuditLoggerWithWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// NewAuditLoggerWithWriter creates an audit logger writing to w.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: generateSessionID(),
	}
}

// Log logs an audit event. A nil logger discards the event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if event.Details != nil {
		event.Details = MaskFields(event.Details)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogConfigChange records one applied config key.
func (al *AuditLogger) LogConfigChange(ctx context.Context, runID, key, value, recommendation string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditConfigChanged,
		RunID:     runID,
		Key:       key,
		Action:    "auto_apply",
		Success:   true,
		Details: map[string]interface{}{
			"value":          value,
			"recommendation": recommendation,
		},
	})
}

// LogConfigWriteFailed records a recommendation whose write was rolled back.
func (al *AuditLogger) LogConfigWriteFailed(ctx context.Context, runID, recommendation string, keys []string, err error) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditConfigWriteFailed,
		RunID:     runID,
		Action:    "auto_apply",
		Success:   false,
		ErrorMsg:  err.Error(),
		Details: map[string]interface{}{
			"keys":           keys,
			"recommendation": recommendation,
		},
	})
}

// LogScheduleChange records a committed schedule update.
func (al *AuditLogger) LogScheduleChange(ctx context.Context, previous, next string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditScheduleChanged,
		Key:       "scheduler.schedule",
		Success:   true,
		Details: map[string]interface{}{
			"previous": previous,
			"new":      next,
		},
	})
}

// LogThresholdsChange records new emergency thresholds.
func (al *AuditLogger) LogThresholdsChange(ctx context.Context, thresholds interface{}) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditThresholdsChanged,
		Key:       "emergency",
		Success:   true,
		Details:   map[string]interface{}{"thresholds": thresholds},
	})
}

// LogRejection records a recommendation dropped by the validator.
func (al *AuditLogger) LogRejection(ctx context.Context, runID string, rej Rejection) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditRecommendationRejected,
		RunID:     runID,
		Action:    rej.Err.Rule,
		Success:   false,
		ErrorMsg:  MaskSensitive(rej.Err.Reason),
		Details: map[string]interface{}{
			"title":    rej.Recommendation.Title,
			"priority": string(rej.Recommendation.Priority),
			"category": string(rej.Recommendation.Category),
		},
	})
}

// LogReadOnlyViolation logs an attempt to perform a write operation in read-only mode.
func (al *AuditLogger) LogReadOnlyViolation(ctx context.Context, operation string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditReadOnlyViolation,
		Action:    operation,
		Success:   false,
		ErrorMsg:  "operation blocked: read-only mode enabled",
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
