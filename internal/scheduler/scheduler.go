// Package scheduler runs the analysis pipeline: a cron timer and the
// emergency monitor feed one queue, and a single processor drains it.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smartarb-advisor/internal/apply"
	"smartarb-advisor/internal/config"
	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/monitor"
	"smartarb-advisor/internal/notify"
	"smartarb-advisor/internal/queue"
	"smartarb-advisor/internal/security"
	"smartarb-advisor/internal/store"
	"smartarb-advisor/internal/telemetry"
	"smartarb-advisor/pkg/utils"
)

// ScheduleKey is the config store key holding the committed cron expression.
const ScheduleKey = "scheduler.schedule"

// ReportBuilder produces the report for a request kind.
type ReportBuilder interface {
	Build(ctx context.Context, kind models.RequestKind) (*models.Report, error)
}

// Advisor asks the advisory service for recommendations.
type Advisor interface {
	Request(ctx context.Context, report *models.Report, focus string) ([]models.Recommendation, error)
}

// RecommendationValidator splits recommendations into kept and rejected.
type RecommendationValidator interface {
	Partition(recs []models.Recommendation) ([]models.Recommendation, []security.Rejection)
}

// Applier writes eligible config changes and reverts them per run.
type Applier interface {
	Apply(ctx context.Context, runID string, recs []models.Recommendation, enabled bool) apply.Result
	Revert(ctx context.Context, runID string) (models.RevertResult, error)
}

// Checker runs one emergency check.
type Checker interface {
	Check(ctx context.Context) monitor.Outcome
}

// Deps are the collaborators of a Scheduler. Config, Access and Audit are optional.
type Deps struct {
	Queue      queue.Queue
	Reports    ReportBuilder
	Advisor    Advisor
	Validator  RecommendationValidator
	Applier    Applier
	History    store.HistoryStore
	Config     store.ConfigStore
	Monitor    Checker
	Thresholds *monitor.Thresholds
	Notifier   notify.Notifier
	Access     *security.AccessController
	Audit      *security.AuditLogger
	Stats      *Stats
}

// Options tune the timer and processor.
type Options struct {
	Schedule         string
	MaxPollInterval  time.Duration
	MinPollInterval  time.Duration
	ErrorBackoff     time.Duration
	DequeuePoll      time.Duration
	StateRetention   int
	AutoApply        bool
	EnqueueOnUnknown bool
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Schedule:         cfg.Scheduler.Schedule,
		MaxPollInterval:  cfg.Scheduler.MaxPollInterval,
		MinPollInterval:  cfg.Scheduler.MinPollInterval,
		ErrorBackoff:     cfg.Scheduler.ErrorBackoff,
		DequeuePoll:      cfg.Scheduler.DequeuePoll,
		StateRetention:   cfg.Scheduler.StateRetention,
		AutoApply:        cfg.AutoApply.Enabled,
		EnqueueOnUnknown: cfg.Emergency.EnqueueOnUnknown,
	}
}

func (o *Options) setDefaults() {
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 5 * time.Minute
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 60 * time.Second
	}
	if o.DequeuePoll <= 0 {
		o.DequeuePoll = time.Second
	}
}

// Scheduler owns the timer and processor tasks.
type Scheduler struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex // lifecycle
	running  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{} // closed once both tasks have returned
	runErr   error

	updateMu sync.Mutex // serialises UpdateSchedule end to end
	schedMu  sync.RWMutex
	expr     string
	schedule cron.Schedule
	next     time.Time

	wake     chan struct{}
	requests *requestTracker

	// timer goroutine only
	unknownStreak bool
}

// New creates a stopped Scheduler. The schedule is parsed here so a bad
// expression fails construction.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Scheduler, error) {
	opts.setDefaults()
	if deps.Queue == nil {
		deps.Queue = queue.NewBoundedQueue(queue.DefaultCapacity)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewNoOpNotifier()
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	if deps.Thresholds == nil {
		deps.Thresholds = monitor.NewThresholds(models.DefaultThresholds())
	}

	sched, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		deps:     deps,
		opts:     opts,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		expr:     strings.TrimSpace(opts.Schedule),
		schedule: sched,
		wake:     make(chan struct{}, 1),
		requests: newRequestTracker(opts.StateRetention),
	}, nil
}

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as @hourly. Errors wrap ErrInvalidSchedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, apperrors.NewScheduleError(expr, errors.New("empty expression"))
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperrors.NewScheduleError(expr, err)
	}
	return sched, nil
}

// Start launches the timer and processor. Calling it while running logs a
// warning and returns nil. The tasks keep ctx's values but not its
// cancellation: only Stop ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Bool("stopping", s.stopping).Msg("Scheduler already running")
		return nil
	}

	s.restoreSchedule(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.runTimer(gctx) })
	g.Go(func() error { return s.runProcessor(gctx) })

	done := make(chan struct{})
	go s.watch(g, cancel, done)

	s.cancel = cancel
	s.done = done
	s.runErr = nil
	s.running = true
	telemetry.SetSchedulerRunning(true)

	s.logger.Info().Str("schedule", s.Schedule()).Msg("Scheduler started")
	return nil
}

// watch waits for the tasks of one Start. If they return without Stop
// having been called the scheduler is marked stopped so Start works again.
func (s *Scheduler) watch(g *errgroup.Group, cancel context.CancelFunc, done chan struct{}) {
	err := g.Wait()
	cancel()

	s.mu.Lock()
	s.runErr = err
	if !s.stopping && s.done == done {
		s.running = false
		s.cancel = nil
		s.done = nil
		telemetry.SetSchedulerRunning(false)
		s.logger.Error().Err(err).Msg("Scheduler tasks exited unexpectedly")
	}
	s.mu.Unlock()
	close(done)
}

// Stop cancels both tasks and waits for them. A request already executing
// runs to completion first. The lifecycle lock is not held while waiting,
// so Status and IsRunning stay responsive.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	err := s.runErr
	s.running = false
	s.stopping = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	telemetry.SetSchedulerRunning(false)

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Scheduler stopped with error")
		return err
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue adds a request and returns its id.
func (s *Scheduler) Enqueue(ctx context.Context, kind models.RequestKind, priority models.RequestPriority, focus string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", apperrors.ErrInvalidRequest, kind)
	}
	if priority == "" {
		priority = models.RequestNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", apperrors.ErrInvalidRequest, priority)
	}

	now := s.now()
	req := models.AnalysisRequest{
		ID:          utils.NewIDAt(now),
		Kind:        kind,
		Priority:    priority,
		CustomFocus: strings.TrimSpace(focus),
		CreatedAt:   now.UTC(),
	}

	// Track before the processor can see it.
	s.requests.add(req, now)
	if err := s.deps.Queue.Enqueue(req); err != nil {
		s.requests.remove(req.ID)
		if errors.Is(err, apperrors.ErrQueueFull) {
			telemetry.RecordQueueRejected()
		}
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Enqueue rejected")
		return "", err
	}
	telemetry.SetQueueDepth(s.deps.Queue.Len())

	s.logger.Info().
		Str("request_id", req.ID).
		Str("kind", string(kind)).
		Str("priority", string(priority)).
		Int("queue_depth", s.deps.Queue.Len()).
		Msg("Analysis queued")
	return req.ID, nil
}

// Force enqueues a high-priority request and announces it.
func (s *Scheduler) Force(ctx context.Context, kind models.RequestKind) (string, error) {
	id, err := s.Enqueue(ctx, kind, models.RequestHigh, "")
	if err != nil {
		return "", err
	}
	if err := s.deps.Notifier.SendInfo(ctx, "Analysis forced", fmt.Sprintf("%s analysis %s queued", kind, id)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send force notification")
	}
	return id, nil
}

// RequestState returns the tracked state of a request.
func (s *Scheduler) RequestState(id string) (models.RequestStatus, bool) {
	return s.requests.get(id)
}

// History returns the most recent completed runs, oldest first.
func (s *Scheduler) History(ctx context.Context, limit int) ([]models.AnalysisHistoryRecord, error) {
	if s.deps.History == nil {
		return nil, apperrors.ErrDataNotFound
	}
	return s.deps.History.ListRuns(ctx, store.HistoryFilter{Limit: limit})
}

// Schedule returns the committed cron expression.
func (s *Scheduler) Schedule() string {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return s.expr
}

// NextScheduledAt returns the next fire time of the committed schedule.
func (s *Scheduler) NextScheduledAt() time.Time {
	s.schedMu.RLock()
	next, sched := s.next, s.schedule
	s.schedMu.RUnlock()
	if next.IsZero() {
		return sched.Next(s.now())
	}
	return next
}

// Status returns a snapshot of scheduler state and counters.
func (s *Scheduler) Status() models.SchedulerStatus {
	snap := s.deps.Stats.Snapshot()
	qs := s.deps.Queue.Stats()
	st := models.SchedulerStatus{
		IsRunning:            s.IsRunning(),
		Schedule:             s.Schedule(),
		TotalRuns:            snap.TotalRuns,
		SuccessfulRuns:       snap.SuccessfulRuns,
		FailedRuns:           snap.FailedRuns,
		SuccessRate:          snap.SuccessRate(),
		QueueDepth:           qs.Depth,
		QueueCapacity:        qs.Capacity,
		QueueRejected:        qs.Rejected,
		Executing:            s.requests.executing(),
		EmergencyTriggers:    snap.EmergencyTriggers,
		MonitorUnknownChecks: snap.UnknownChecks,
		AppliedChanges:       snap.AppliedChanges,
		AutoApplyEnabled:     s.opts.AutoApply && !s.deps.Access.IsReadOnly(),
		Thresholds:           s.deps.Thresholds.Thresholds(),
	}
	if !snap.LastRunAt.IsZero() {
		last := snap.LastRunAt
		st.LastRunAt = &last
	}
	if next := s.NextScheduledAt(); !next.IsZero() {
		st.NextScheduledAt = &next
	}
	return st
}

// UpdateSchedule validates expr, persists it and makes it the active
// schedule. On any error the previous schedule stays in force.
func (s *Scheduler) UpdateSchedule(ctx context.Context, expr string) error {
	if err := s.deps.Access.CheckPermission(ctx, security.OpUpdateSchedule); err != nil {
		return err
	}

	// The persisted and active schedules must end up equal.
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	sched, err := ParseSchedule(expr)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected schedule update")
		return err
	}
	expr = strings.TrimSpace(expr)

	if s.deps.Config != nil {
		value, _ := json.Marshal(expr)
		if err := s.deps.Config.SetConfigValues(ctx, map[string]json.RawMessage{ScheduleKey: value}, store.SourceOperator, ""); err != nil {
			return fmt.Errorf("persisting schedule: %w", err)
		}
	}

	commit := s.now()
	s.schedMu.Lock()
	previous := s.expr
	s.expr = expr
	s.schedule = sched
	s.next = sched.Next(commit)
	next := s.next
	s.schedMu.Unlock()

	s.signalWake()

	_ = s.deps.Audit.LogScheduleChange(ctx, previous, expr)
	s.logger.Info().Str("previous", previous).Str("schedule", expr).Time("next", next).Msg("Schedule updated")
	if err := s.deps.Notifier.SendInfo(ctx, "Schedule updated",
		fmt.Sprintf("Analysis schedule changed from %s to %s. Next run %s.", previous, expr, next.UTC().Format(time.RFC3339))); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send schedule notification")
	}
	return nil
}

// UpdateThresholds replaces the emergency thresholds.
func (s *Scheduler) UpdateThresholds(ctx context.Context, t models.EmergencyThresholds) error {
	if err := s.deps.Access.CheckPermission(ctx, security.OpUpdateThresholds); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}

	s.deps.Thresholds.Set(t)
	_ = s.deps.Audit.LogThresholdsChange(ctx, t)
	s.logger.Info().
		Float64("low_success_rate_pct", t.LowSuccessRatePct).
		Float64("high_drawdown_abs", t.HighDrawdownAbs).
		Float64("max_execution_latency_ms", t.MaxExecutionLatencyMs).
		Int("failed_trade_streak", t.FailedTradeStreak).
		Msg("Emergency thresholds updated")
	return nil
}

// RevertRun restores the config values a run auto-applied over.
func (s *Scheduler) RevertRun(ctx context.Context, runID string) (models.RevertResult, error) {
	if s.deps.Applier == nil {
		return models.RevertResult{RunID: runID}, apperrors.ErrDataNotFound
	}
	res, err := s.deps.Applier.Revert(ctx, runID)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Revert failed")
		return res, err
	}

	s.logger.Info().
		Str("run_id", runID).
		Int("reverted", len(res.Reverted)).
		Int("superseded", len(res.Superseded)).
		Msg("Run changes reverted")
	msg := fmt.Sprintf("Reverted %d config keys applied by run %s.", len(res.Reverted), runID)
	if len(res.Superseded) > 0 {
		msg += fmt.Sprintf(" Left %d keys changed since: %s.", len(res.Superseded), strings.Join(res.Superseded, ", "))
	}
	if err := s.deps.Notifier.SendInfo(ctx, "Run reverted", msg); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send revert notification")
	}
	return res, nil
}

// restoreSchedule adopts a schedule persisted by an earlier UpdateSchedule.
func (s *Scheduler) restoreSchedule(ctx context.Context) {
	if s.deps.Config == nil {
		return
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	raw, ok, err := s.deps.Config.GetConfigValue(ctx, ScheduleKey)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn().Err(err).Msg("Could not read persisted schedule")
		}
		return
	}
	var expr string
	if err := json.Unmarshal(raw, &expr); err != nil {
		s.logger.Warn().Err(err).Msg("Persisted schedule is not a string")
		return
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring invalid persisted schedule")
		return
	}

	s.schedMu.Lock()
	s.expr = strings.TrimSpace(expr)
	s.schedule = sched
	s.next = time.Time{}
	s.schedMu.Unlock()
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
