// Package apply writes safe recommendation config changes to the config store.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/security"
	"smartarb-advisor/internal/store"
	"smartarb-advisor/internal/telemetry"
)

// Skip reasons reported per recommendation.
const (
	SkipPriority      = "priority"
	SkipCodeChanges   = "code_changes"
	SkipNoConfig      = "no_config_changes"
	SkipDisabled      = "auto_apply_disabled"
	SkipReadOnly      = "read_only"
	SkipContextClosed = "cancelled"
)

// Skipped is a recommendation left for manual action.
type Skipped struct {
	Title  string
	Reason string
}

// Result summarises one Apply call.
type Result struct {
	Applied     int // recommendations fully written
	KeysWritten int
	Skipped     []Skipped
	Failures    []error
}

// Eligible reports whether r may be applied without review and, if not, why.
func Eligible(r models.Recommendation) (bool, string) {
	if r.Priority != models.PriorityLow && r.Priority != models.PriorityMedium {
		return false, SkipPriority
	}
	if len(r.CodeChanges) > 0 {
		return false, SkipCodeChanges
	}
	if len(r.ConfigChanges) == 0 {
		return false, SkipNoConfig
	}
	return true, ""
}

// Executor applies eligible recommendations and reverts them.
type Executor struct {
	mu     sync.Mutex // serialises Apply and Revert
	store  store.ConfigStore
	access *security.AccessController
	audit  *security.AuditLogger
	logger zerolog.Logger
}

// NewExecutor creates an executor. access and audit may be nil.
func NewExecutor(configStore store.ConfigStore, access *security.AccessController, audit *security.AuditLogger, logger zerolog.Logger) *Executor {
	return &Executor{
		store:  configStore,
		access: access,
		audit:  audit,
		logger: logger.With().Str("component", "apply").Logger(),
	}
}

// Apply writes every eligible recommendation in its own transaction. A failed
// write is recorded in Result.Failures and the rest still run. Nothing is
// written when enabled is false or the executor is in read-only mode.
func (e *Executor) Apply(ctx context.Context, runID string, recs []models.Recommendation, enabled bool) Result {
	var res Result

	if !enabled {
		for _, r := range recs {
			res.Skipped = append(res.Skipped, Skipped{Title: r.Title, Reason: SkipDisabled})
		}
		return res
	}
	if err := e.access.CheckPermission(ctx, security.OpApplyConfig); err != nil {
		e.logger.Warn().Err(err).Str("run_id", runID).Msg("auto-apply blocked")
		for _, r := range recs {
			res.Skipped = append(res.Skipped, Skipped{Title: r.Title, Reason: SkipReadOnly})
		}
		return res
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range recs {
		ok, reason := Eligible(r)
		if !ok {
			res.Skipped = append(res.Skipped, Skipped{Title: r.Title, Reason: reason})
			continue
		}
		if ctx.Err() != nil {
			res.Skipped = append(res.Skipped, Skipped{Title: r.Title, Reason: SkipContextClosed})
			continue
		}

		keys := r.ConfigKeys()
		if err := e.store.SetConfigValues(ctx, r.ConfigChanges, store.SourceAutoApply, runID); err != nil {
			werr := apperrors.NewConfigWriteError(r.Title, keys, err)
			res.Failures = append(res.Failures, werr)
			e.logger.Error().Err(err).
				Str("run_id", runID).
				Str("recommendation", r.Title).
				Strs("keys", keys).
				Msg("config write failed")
			_ = e.audit.LogConfigWriteFailed(ctx, runID, r.Title, keys, err)
			continue
		}

		res.Applied++
		res.KeysWritten += len(keys)
		for _, k := range keys {
			_ = e.audit.LogConfigChange(ctx, runID, k, string(r.ConfigChanges[k]), r.Title)
		}
		e.logger.Info().
			Str("run_id", runID).
			Str("recommendation", r.Title).
			Str("keys", strings.Join(keys, ",")).
			Msg("config changes applied")
	}

	telemetry.RecordConfigChanges(res.KeysWritten)
	return res
}

// Summary renders the result on one line for notifications.
func (r Result) Summary() string {
	return fmt.Sprintf("%d applied, %d keys written, %d skipped, %d failed",
		r.Applied, r.KeysWritten, len(r.Skipped), len(r.Failures))
}

// Revert restores the values the auto-applied changes of runID replaced.
// Keys written again since the run are left alone and reported as
// superseded. A key the run created is deleted.
func (e *Executor) Revert(ctx context.Context, runID string) (models.RevertResult, error) {
	res := models.RevertResult{RunID: runID, Reverted: []string{}}
	if err := e.access.CheckPermission(ctx, security.OpApplyConfig); err != nil {
		return res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changes, err := e.store.ConfigChangesForRun(ctx, runID)
	if err != nil {
		return res, err
	}

	// first old value and last new value per key
	type span struct{ before, after string }
	spans := make(map[string]*span)
	for _, c := range changes {
		if c.Source != store.SourceAutoApply {
			continue
		}
		sp, ok := spans[c.Key]
		if !ok {
			sp = &span{before: c.OldValue}
			spans[c.Key] = sp
		}
		sp.after = c.NewValue
	}
	if len(spans) == 0 {
		return res, apperrors.NewDataError("config change", runID, "run applied no config changes", apperrors.ErrDataNotFound)
	}

	keys := make([]string, 0, len(spans))
	for k := range spans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	restore := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		current, ok, err := e.store.GetConfigValue(ctx, k)
		if err != nil {
			return res, err
		}
		if !ok || string(current) != spans[k].after {
			res.Superseded = append(res.Superseded, k)
			continue
		}
		var prev json.RawMessage
		if spans[k].before != "" {
			prev = json.RawMessage(spans[k].before)
		}
		restore[k] = prev
		res.Reverted = append(res.Reverted, k)
	}
	if len(restore) == 0 {
		return res, nil
	}

	if err := e.store.SetConfigValues(ctx, restore, store.SourceOperator, runID); err != nil {
		_ = e.audit.LogConfigWriteFailed(ctx, runID, "revert", res.Reverted, err)
		return models.RevertResult{RunID: runID, Reverted: []string{}}, apperrors.NewConfigWriteError("revert "+runID, res.Reverted, err)
	}
	for _, k := range res.Reverted {
		_ = e.audit.LogConfigChange(ctx, runID, k, string(restore[k]), "revert")
	}
	e.logger.Info().
		Str("run_id", runID).
		Strs("reverted", res.Reverted).
		Strs("superseded", res.Superseded).
		Msg("config changes reverted")
	return res, nil
}
