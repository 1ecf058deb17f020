package models

import (
	"encoding/json"
	"sort"
)

// Category groups recommendations by area.
type Category string

const (
	CategoryRisk      Category = "risk"
	CategoryStrategy  Category = "strategy"
	CategoryTechnical Category = "technical"
	CategoryMarket    Category = "market"
)

// Priority ranks the urgency of a recommendation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// CodeChange proposes an edit to a source file. Never applied automatically.
type CodeChange struct {
	File           string `json:"file"`
	Function       string `json:"function,omitempty"`
	ChangeType     string `json:"change_type,omitempty"`
	CurrentValue   string `json:"current_value,omitempty"`
	SuggestedValue string `json:"suggested_value,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Recommendation is one vetted-or-pending suggestion from the advisory service.
// ConfigChanges values are kept as raw JSON so storage round-trips exactly.
type Recommendation struct {
	Category           Category                   `json:"category"`
	Priority           Priority                   `json:"priority"`
	Title              string                     `json:"title"`
	Description        string                     `json:"description"`
	CodeChanges        []CodeChange               `json:"code_changes,omitempty"`
	ConfigChanges      map[string]json.RawMessage `json:"config_changes,omitempty"`
	ImplementationPlan []string                   `json:"implementation_plan,omitempty"`
	ExpectedImpact     string                     `json:"expected_impact,omitempty"`
	Risks              []string                   `json:"risks,omitempty"`
}

// ConfigKeys returns the config change keys in sorted order.
func (r Recommendation) ConfigKeys() []string {
	keys := make([]string, 0, len(r.ConfigChanges))
	for k := range r.ConfigChanges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AutoApplicable reports whether r may be written without human approval.
func (r Recommendation) AutoApplicable() bool {
	if r.Priority != PriorityLow && r.Priority != PriorityMedium {
		return false
	}
	return len(r.CodeChanges) == 0 && len(r.ConfigChanges) > 0
}
