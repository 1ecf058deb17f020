package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisHistoryRecord is appended once per completed run.
type AnalysisHistoryRecord struct {
	RunID               string          `json:"run_id" yaml:"run_id"`
	RequestID           string          `json:"request_id" yaml:"request_id"`
	Kind                RequestKind     `json:"kind" yaml:"kind"`
	CompletedAt         time.Time       `json:"completed_at" yaml:"completed_at"`
	ReportRef           string          `json:"report_ref" yaml:"report_ref"`
	RecommendationCount int             `json:"recommendation_count" yaml:"recommendation_count"`
	AppliedCount        int             `json:"applied_count" yaml:"applied_count"`
	TotalProfit         decimal.Decimal `json:"total_profit" yaml:"total_profit"`
	SuccessRate         float64         `json:"success_rate" yaml:"success_rate"`
}

// RunArtifacts are the persisted outputs of one run.
type RunArtifacts struct {
	RunID           string           `json:"run_id"`
	Report          Report           `json:"report"`
	Recommendations []Recommendation `json:"recommendations"`
}

// ConfigChangeRecord is one entry of the applied-change log.
type ConfigChangeRecord struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// RevertResult reports what reverting a run's applied changes restored.
type RevertResult struct {
	RunID      string   `json:"run_id" yaml:"run_id"`
	Reverted   []string `json:"reverted" yaml:"reverted"`
	Superseded []string `json:"superseded,omitempty" yaml:"superseded,omitempty"`
}
