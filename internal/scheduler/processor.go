package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"smartarb-advisor/internal/logging"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/notify"
	"smartarb-advisor/internal/telemetry"
	"smartarb-advisor/pkg/utils"
)

// runProcessor is the single consumer. It stops dequeuing once ctx is done
// (the queue checks ctx under its lock, so nothing is taken after that); a
// request already dequeued runs on a context that ignores cancellation.
func (s *Scheduler) runProcessor(ctx context.Context) error {
	detached := context.WithoutCancel(ctx)
	for {
		req, ok, err := s.deps.Queue.Dequeue(ctx, s.opts.DequeuePoll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("Dequeue failed")
			continue
		}
		if !ok {
			continue
		}
		telemetry.SetQueueDepth(s.deps.Queue.Len())
		s.process(detached, req)
	}
}

// process runs one request through report, advisory, validation,
// auto-apply, history and notification.
func (s *Scheduler) process(ctx context.Context, req models.AnalysisRequest) {
	start := s.now()
	runID := utils.NewIDAt(start)
	logger := logging.WithRequest(s.logger, req.ID, string(req.Kind), string(req.Priority)).
		With().Str("run_id", runID).Logger()

	s.requests.set(req.ID, models.StateExecuting, runID, nil, start)
	logger.Info().Msg("Analysis started")

	// recorded is set once the run has been counted; a later panic must not
	// count it again as failed.
	recorded := false
	defer func() {
		if r := recover(); r != nil {
			if recorded {
				logger.Error().Interface("panic", r).Msg("Panic after run was recorded")
				return
			}
			s.fail(ctx, logger, req, runID, start, fmt.Errorf("panic: %v", r))
		}
	}()

	report, err := s.deps.Reports.Build(ctx, req.Kind)
	if err != nil {
		s.fail(ctx, logger, req, runID, start, fmt.Errorf("report: %w", err))
		return
	}

	recs, err := s.deps.Advisor.Request(ctx, report, focusFor(req))
	if err != nil {
		s.fail(ctx, logger, req, runID, start, fmt.Errorf("advisory: %w", err))
		return
	}

	accepted, rejected := s.deps.Validator.Partition(recs)
	for _, rej := range rejected {
		logger.Warn().
			Str("rule", rej.Err.Rule).
			Str("title", rej.Recommendation.Title).
			Str("reason", rej.Err.Reason).
			Msg("Recommendation rejected")
		_ = s.deps.Audit.LogRejection(ctx, runID, rej)
	}
	telemetry.RecordRecommendations(telemetry.OutcomeAccepted, len(accepted))
	telemetry.RecordRecommendations(telemetry.OutcomeRejected, len(rejected))

	result := s.deps.Applier.Apply(ctx, runID, accepted, s.opts.AutoApply)
	for _, ferr := range result.Failures {
		logger.Warn().Err(ferr).Msg("Auto-apply failure")
	}

	finished := s.now()
	record := models.AnalysisHistoryRecord{
		RunID:               runID,
		RequestID:           req.ID,
		Kind:                req.Kind,
		CompletedAt:         finished.UTC(),
		ReportRef:           runID,
		RecommendationCount: len(accepted),
		AppliedCount:        result.Applied,
		TotalProfit:         report.TotalProfit,
		SuccessRate:         report.SuccessRate,
	}
	artifacts := models.RunArtifacts{RunID: runID, Report: *report, Recommendations: accepted}
	var historyErr error
	if s.deps.History != nil {
		if historyErr = s.deps.History.AppendRun(ctx, record, artifacts); historyErr != nil {
			logger.Error().Err(historyErr).Msg("Failed to record analysis history")
		}
	}

	duration := finished.Sub(start)
	s.deps.Stats.RecordRun(req.Kind, models.StateCompleted, finished, result.KeysWritten)
	s.requests.set(req.ID, models.StateCompleted, runID, nil, finished)
	recorded = true
	logging.LogRun(logger, runID, string(models.StateCompleted), len(accepted), result.Applied, duration, nil)

	summary := &notify.RunSummary{
		RunID:           runID,
		RequestID:       req.ID,
		Kind:            req.Kind,
		Status:          models.StateCompleted,
		Recommendations: len(accepted),
		Rejected:        len(rejected),
		Applied:         result.Applied,
		KeysWritten:     result.KeysWritten,
		TotalProfit:     report.TotalProfit,
		SuccessRate:     report.SuccessRate,
		Duration:        duration,
	}
	if historyErr != nil {
		summary.Error = "history not recorded: " + historyErr.Error()
	}
	if s.opts.AutoApply && len(accepted) > 0 {
		summary.AutoApply = result.Summary()
	}
	for _, r := range accepted {
		switch r.Priority {
		case models.PriorityCritical:
			summary.Critical++
		case models.PriorityHigh:
			summary.High++
		}
	}
	s.sendSummary(ctx, logger, summary)
}

func (s *Scheduler) fail(ctx context.Context, logger zerolog.Logger, req models.AnalysisRequest, runID string, start time.Time, err error) {
	finished := s.now()
	duration := finished.Sub(start)

	s.deps.Stats.RecordRun(req.Kind, models.StateFailed, finished, 0)
	s.requests.set(req.ID, models.StateFailed, runID, err, finished)
	logging.LogRun(logger, runID, string(models.StateFailed), 0, 0, duration, err)

	summary := &notify.RunSummary{
		RunID:     runID,
		RequestID: req.ID,
		Kind:      req.Kind,
		Status:    models.StateFailed,
		Duration:  duration,
		Error:     err.Error(),
	}
	s.sendSummary(ctx, logger, summary)
}

// sendSummary delivers a run summary. Notifier errors and panics are logged
// and never change the outcome of the run.
func (s *Scheduler) sendSummary(ctx context.Context, logger zerolog.Logger, summary *notify.RunSummary) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Run summary notifier panicked")
		}
	}()
	if err := s.deps.Notifier.SendRunSummary(ctx, summary); err != nil {
		logger.Warn().Err(err).Str("status", string(summary.Status)).Msg("Failed to send run summary")
	}
}

func focusFor(req models.AnalysisRequest) string {
	if req.CustomFocus != "" {
		return req.CustomFocus
	}
	switch req.Kind {
	case models.KindEmergency:
		return "Emergency: identify the immediate cause and the safest mitigation"
	case models.KindHealthCheck:
		return "Live metrics were unavailable; look for signs of an outage"
	}
	return ""
}
