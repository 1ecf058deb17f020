// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"smartarb-advisor/internal/models"
)

// HistoryStore records completed analysis runs. It is append-only.
type HistoryStore interface {
	// AppendRun writes the history record and its artifacts in one transaction.
	AppendRun(ctx context.Context, record models.AnalysisHistoryRecord, artifacts models.RunArtifacts) error
	ListRuns(ctx context.Context, filter HistoryFilter) ([]models.AnalysisHistoryRecord, error)
	GetRun(ctx context.Context, runID string) (*models.AnalysisHistoryRecord, error)
	GetArtifacts(ctx context.Context, runID string) (*models.RunArtifacts, error)
}

// ConfigStore is the durable key/value store recommendations are applied to.
// Values are raw JSON.
type ConfigStore interface {
	GetConfigValue(ctx context.Context, key string) (json.RawMessage, bool, error)
	ConfigValues(ctx context.Context) (map[string]json.RawMessage, error)
	// SetConfigValues writes every pair atomically and logs each change.
	// A nil value deletes the key.
	SetConfigValues(ctx context.Context, values map[string]json.RawMessage, source, runID string) error
	ConfigChanges(ctx context.Context, limit int) ([]models.ConfigChangeRecord, error)
	ConfigChangesForRun(ctx context.Context, runID string) ([]models.ConfigChangeRecord, error)
}

// HistoryFilter represents filters for querying run history.
type HistoryFilter struct {
	Kind  models.RequestKind
	Since time.Time
	Limit int // most recent N, returned oldest first
}

// Change sources recorded in the config change log.
const (
	SourceAutoApply = "auto_apply"
	SourceOperator  = "operator"
)
