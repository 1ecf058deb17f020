// Package security provides recommendation vetting, audit logging and
// read-only controls.
package security

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"smartarb-advisor/internal/models"
)

// Rule names reported by RejectionError.
const (
	RuleSchema          = "schema"
	RuleCriticalRisks   = "critical_requires_risks"
	RuleMaxCodeChanges  = "max_code_changes"
	RulePathContainment = "path_containment"
	RuleDenylist        = "denylisted_content"
	RuleConfigAllowList = "config_allow_list"
)

// DefaultTrustedRoot is the only tree code changes may touch.
const DefaultTrustedRoot = "src/"

// DefaultMaxCodeChanges caps code changes per recommendation.
const DefaultMaxCodeChanges = 5

// denylist entries are matched case-insensitively as substrings of a
// code change's suggested value.
var denylist = []string{
	// process execution
	"os.system",
	"os.popen",
	"subprocess.",
	"exec.command",
	"os/exec",
	"syscall.exec",
	"child_process",
	"rm -rf",
	"shutil.rmtree",
	"os.remove",
	"os.unlink",
	// destructive data-store commands
	"drop table",
	"drop database",
	"delete from",
	"truncate",
	"flushall",
	"flushdb",
	// dynamic code evaluation
	"eval(",
	"exec(",
	"compile(",
	"__import__",
	"importlib",
	"globals()",
	"locals()",
	"open(",
}

// allowedConfigKeys are the tunables recommendations may change.
var allowedConfigKeys = map[string]struct{}{
	"risk_management.min_profit_threshold": {},
	"risk_management.max_position_size":    {},
	"risk_management.max_daily_loss":       {},
	"risk_management.max_drawdown":         {},
	"risk_management.stop_loss_pct":        {},
	"risk_management.max_open_positions":   {},
	"risk.max_daily_loss":                  {},
	"risk.max_position_size":               {},
	"risk.min_profit_threshold":            {},
	"trading.max_concurrent_trades":        {},
	"trading.order_timeout_seconds":        {},
	"trading.slippage_tolerance":           {},
	"trading.min_trade_amount":             {},
	"strategies.spatial.enabled":           {},
	"strategies.spatial.min_spread_pct":    {},
	"strategies.triangular.enabled":        {},
	"strategies.triangular.min_profit_pct": {},
	"strategies.statistical.enabled":       {},
	"strategies.statistical.z_score_entry": {},
	"exchanges.rate_limit_per_second":      {},
	"exchanges.request_timeout_seconds":    {},
}

var configKeyPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// AllowedConfigKeys returns the tunable config keys in sorted order.
func AllowedConfigKeys() []string {
	keys := make([]string, 0, len(allowedConfigKeys))
	for k := range allowedConfigKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsAllowedConfigKey reports whether key may be changed by a recommendation.
func IsAllowedConfigKey(key string) bool {
	if !configKeyPattern.MatchString(key) {
		return false
	}
	_, ok := allowedConfigKeys[key]
	return ok
}

// RejectionError explains why a recommendation was dropped.
type RejectionError struct {
	Rule   string
	Reason string
	Title  string
}

func (e *RejectionError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("recommendation %q rejected [%s]: %s", e.Title, e.Rule, e.Reason)
	}
	return fmt.Sprintf("recommendation rejected [%s]: %s", e.Rule, e.Reason)
}

// Rejection pairs a dropped recommendation with its reason.
type Rejection struct {
	Recommendation models.Recommendation
	Err            *RejectionError
}

// Validator filters recommendations that are unsafe or incomplete.
// It holds no mutable state; results depend only on the input.
type Validator struct {
	trustedRoot    string
	maxCodeChanges int
}

// NewValidator creates a Validator. Empty or non-positive options fall back
// to the defaults.
func NewValidator(trustedRoot string, maxCodeChanges int) *Validator {
	if trustedRoot == "" {
		trustedRoot = DefaultTrustedRoot
	}
	if maxCodeChanges <= 0 {
		maxCodeChanges = DefaultMaxCodeChanges
	}
	root := path.Clean(strings.ReplaceAll(trustedRoot, "\\", "/"))
	return &Validator{
		trustedRoot:    strings.TrimSuffix(root, "/") + "/",
		maxCodeChanges: maxCodeChanges,
	}
}

// DefaultValidator returns a Validator with the stock settings.
func DefaultValidator() *Validator {
	return NewValidator(DefaultTrustedRoot, DefaultMaxCodeChanges)
}

// Validate returns the recommendations that pass every rule, in input order
// and unmodified.
func (v *Validator) Validate(recs []models.Recommendation) []models.Recommendation {
	accepted, _ := v.Partition(recs)
	return accepted
}

// Partition splits recs into accepted and rejected.
func (v *Validator) Partition(recs []models.Recommendation) ([]models.Recommendation, []Rejection) {
	accepted := make([]models.Recommendation, 0, len(recs))
	var rejected []Rejection
	for _, r := range recs {
		if err := v.check(r); err != nil {
			rejected = append(rejected, Rejection{Recommendation: r, Err: err})
			continue
		}
		accepted = append(accepted, r)
	}
	return accepted, rejected
}

// Check returns the first failing rule as a *RejectionError, or nil.
func (v *Validator) Check(r models.Recommendation) error {
	if err := v.check(r); err != nil {
		return err
	}
	return nil
}

func (v *Validator) check(r models.Recommendation) *RejectionError {
	reject := func(rule, format string, args ...interface{}) *RejectionError {
		return &RejectionError{Rule: rule, Reason: fmt.Sprintf(format, args...), Title: r.Title}
	}

	switch r.Category {
	case models.CategoryRisk, models.CategoryStrategy, models.CategoryTechnical, models.CategoryMarket:
	default:
		return reject(RuleSchema, "unknown category %q", r.Category)
	}
	switch r.Priority {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityCritical:
	default:
		return reject(RuleSchema, "unknown priority %q", r.Priority)
	}
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Description) == "" {
		return reject(RuleSchema, "title and description are required")
	}

	if r.Priority == models.PriorityCritical && !hasRisk(r.Risks) {
		return reject(RuleCriticalRisks, "critical recommendation lists no risks")
	}

	if len(r.CodeChanges) > v.maxCodeChanges {
		return reject(RuleMaxCodeChanges, "%d code changes exceed the limit of %d", len(r.CodeChanges), v.maxCodeChanges)
	}
	for i, cc := range r.CodeChanges {
		if err := v.CheckPath(cc.File); err != nil {
			return reject(RulePathContainment, "code_changes[%d]: %v", i, err)
		}
		if pattern, found := ContainsDenylisted(cc.SuggestedValue); found {
			return reject(RuleDenylist, "code_changes[%d]: suggested value contains %q", i, pattern)
		}
	}

	for _, key := range r.ConfigKeys() {
		if !IsAllowedConfigKey(key) {
			return reject(RuleConfigAllowList, "config key %q is not tunable", key)
		}
	}

	return nil
}

// hasRisk reports whether at least one risk has visible text. A list of
// blank strings counts as no risks.
func hasRisk(risks []string) bool {
	for _, r := range risks {
		if strings.TrimSpace(r) != "" {
			return true
		}
	}
	return false
}

// CheckPath verifies that file resolves inside the trusted root.
func (v *Validator) CheckPath(file string) error {
	if strings.TrimSpace(file) == "" {
		return fmt.Errorf("empty file path")
	}
	if strings.ContainsRune(file, 0) {
		return fmt.Errorf("file path contains NUL")
	}

	p := strings.ReplaceAll(file, "\\", "/")
	if strings.HasPrefix(p, "/") || hasVolumeName(p) {
		return fmt.Errorf("absolute path %q", file)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes via ..", file)
		}
	}

	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, v.trustedRoot) || cleaned == strings.TrimSuffix(v.trustedRoot, "/") {
		return fmt.Errorf("path %q is outside %s", file, v.trustedRoot)
	}
	return nil
}

// hasVolumeName catches Windows drive letters such as "C:".
func hasVolumeName(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// ContainsDenylisted reports the first denylisted pattern found in s.
func ContainsDenylisted(s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, pattern := range denylist {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}
