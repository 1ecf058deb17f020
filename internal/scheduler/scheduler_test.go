package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartarb-advisor/internal/apply"
	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/monitor"
	"smartarb-advisor/internal/notify"
	"smartarb-advisor/internal/queue"
	"smartarb-advisor/internal/security"
	"smartarb-advisor/internal/store"
)

// fakeReports records the kinds it was asked for. A request whose kind is
// in block waits on release.
type fakeReports struct {
	mu       sync.Mutex
	kinds    []models.RequestKind
	inflight atomic.Int32
	maxSeen  atomic.Int32
	fail     map[models.RequestKind]bool
	block    map[models.RequestKind]bool
	started  chan models.RequestKind
	release  chan struct{}
}

func newFakeReports() *fakeReports {
	return &fakeReports{
		fail:    map[models.RequestKind]bool{},
		block:   map[models.RequestKind]bool{},
		started: make(chan models.RequestKind, 64),
		release: make(chan struct{}),
	}
}

func (f *fakeReports) Build(ctx context.Context, kind models.RequestKind) (*models.Report, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	blocked, failing := f.block[kind], f.fail[kind]
	f.mu.Unlock()

	f.started <- kind
	if blocked {
		<-f.release
	}
	if failing {
		return nil, apperrors.ErrReportUnavailable
	}
	return &models.Report{TotalTrades: 10, SuccessfulTrades: 9, SuccessRate: 90, TotalProfit: decimal.NewFromInt(3)}, nil
}

func (f *fakeReports) seen() []models.RequestKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RequestKind(nil), f.kinds...)
}

type fakeAdvisor struct {
	recs []models.Recommendation
	err  error
}

func (f *fakeAdvisor) Request(ctx context.Context, report *models.Report, focus string) ([]models.Recommendation, error) {
	return f.recs, f.err
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []notify.RunSummary
	errors    []string
	infos     []string
}

func (n *recordingNotifier) Send(ctx context.Context, notif notify.Notification) error { return nil }

func (n *recordingNotifier) SendRunSummary(ctx context.Context, s *notify.RunSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, *s)
	return errors.New("channel down")
}

func (n *recordingNotifier) SendEmergency(ctx context.Context, breaches []string, snapshot models.MetricsSnapshot) error {
	return nil
}

func (n *recordingNotifier) SendError(ctx context.Context, err error, c string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, c)
	return nil
}

func (n *recordingNotifier) SendInfo(ctx context.Context, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, title)
	return nil
}

func (n *recordingNotifier) counts() (summaries, errs, infos int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.summaries), len(n.errors), len(n.infos)
}

type scriptedMetrics struct {
	mu    sync.Mutex
	snaps []models.MetricsSnapshot
	errs  []error
	calls int
}

func (m *scriptedMetrics) LiveMetrics(ctx context.Context) (models.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return models.MetricsSnapshot{}, m.errs[i]
	}
	if i < len(m.snaps) {
		return m.snaps[i], nil
	}
	return models.MetricsSnapshot{SuccessRate: 95}, nil
}

type harness struct {
	s        *Scheduler
	reports  *fakeReports
	advisor  *fakeAdvisor
	notifier *recordingNotifier
	store    *store.SQLiteStore
	queue    *queue.BoundedQueue
}

func newHarness(t *testing.T, opts Options, checker Checker) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "advisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		reports:  newFakeReports(),
		advisor:  &fakeAdvisor{},
		notifier: &recordingNotifier{},
		store:    st,
		queue:    queue.NewBoundedQueue(64),
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 1h"
	}
	if opts.DequeuePoll == 0 {
		opts.DequeuePoll = 10 * time.Millisecond
	}

	s, err := New(Deps{
		Queue:     h.queue,
		Reports:   h.reports,
		Advisor:   h.advisor,
		Validator: security.DefaultValidator(),
		Applier:   apply.NewExecutor(st, nil, nil, zerolog.Nop()),
		History:   st,
		Config:    st,
		Monitor:   checker,
		Notifier:  h.notifier,
	}, opts, zerolog.Nop())
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Stop() })
	return h
}

func (h *harness) waitState(t *testing.T, id string, want models.RequestState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := h.s.RequestState(id)
		return ok && st.State == want
	}, 3*time.Second, 5*time.Millisecond, "request %s never reached %s", id, want)
}

func TestScheduledWaitsForExecutingManual(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.reports.block[models.KindManual] = true
	ctx := context.Background()

	require.NoError(t, h.s.Start(ctx))

	manual, err := h.s.Enqueue(ctx, models.KindManual, models.RequestHigh, "fees")
	require.NoError(t, err)
	h.waitState(t, manual, models.StateExecuting)
	assert.Equal(t, 1, h.s.requests.executing())

	scheduled, err := h.s.Enqueue(ctx, models.KindScheduled, models.RequestNormal, "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		st, _ := h.s.RequestState(scheduled)
		require.Equal(t, models.StateQueued, st.State)
		require.Equal(t, 1, h.s.Status().Executing, "single flight")
		time.Sleep(5 * time.Millisecond)
	}

	close(h.reports.release)
	h.waitState(t, manual, models.StateCompleted)
	h.waitState(t, scheduled, models.StateCompleted)

	assert.Equal(t, []models.RequestKind{models.KindManual, models.KindScheduled}, h.reports.seen())
	assert.Equal(t, int32(1), h.reports.maxSeen.Load())
	assert.Zero(t, h.s.requests.executing())
}

func TestSingleFlightAndFIFOAcrossProducers(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	kinds := []models.RequestKind{
		models.KindScheduled, models.KindEmergency, models.KindManual, models.KindHealthCheck,
		models.KindManual, models.KindScheduled, models.KindEmergency, models.KindManual,
	}
	var ids []string
	for _, k := range kinds {
		id, err := h.s.Enqueue(ctx, k, models.RequestNormal, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, h.s.Start(ctx))
	require.Eventually(t, func() bool {
		return h.s.Status().TotalRuns == int64(len(kinds)+20)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, kinds, h.reports.seen()[:len(kinds)])
	assert.Equal(t, int32(1), h.reports.maxSeen.Load())
	for _, id := range ids {
		st, ok := h.s.RequestState(id)
		require.True(t, ok)
		assert.Equal(t, models.StateCompleted, st.State)
		assert.NotEmpty(t, st.RunID)
	}

	runs, err := h.s.History(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, runs, len(kinds)+20)
}

func TestEmergencyBreachEnqueuesExactlyOne(t *testing.T) {
	metrics := &scriptedMetrics{snaps: []models.MetricsSnapshot{{SuccessRate: 55}}}
	thresholds := monitor.NewThresholds(models.DefaultThresholds())
	m := monitor.New(metrics, thresholds, nil, zerolog.Nop())

	h := newHarness(t, Options{}, m)
	ctx := context.Background()

	outcome := m.Check(ctx)
	require.True(t, outcome.Triggered())
	h.s.handleOutcome(ctx, outcome)

	require.Equal(t, 1, h.queue.Len())
	req, ok, err := h.queue.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.KindEmergency, req.Kind)
	assert.Equal(t, models.RequestHigh, req.Priority)
	assert.Contains(t, req.CustomFocus, "success rate 55.0%")
	assert.Equal(t, int64(1), h.s.Status().EmergencyTriggers)
}

func TestTimerRunsMonitorBetweenFires(t *testing.T) {
	metrics := &scriptedMetrics{snaps: []models.MetricsSnapshot{{SuccessRate: 55}}}
	m := monitor.New(metrics, monitor.NewThresholds(models.DefaultThresholds()), nil, zerolog.Nop())

	h := newHarness(t, Options{MaxPollInterval: 10 * time.Millisecond, MinPollInterval: time.Millisecond}, m)
	require.NoError(t, h.s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.s.Status().TotalRuns >= 1
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	kinds := h.reports.seen()
	require.NotEmpty(t, kinds)
	emergencies := 0
	for _, k := range kinds {
		if k == models.KindEmergency {
			emergencies++
		}
	}
	assert.Equal(t, 1, emergencies)
	assert.Equal(t, models.KindEmergency, kinds[0])
	assert.Equal(t, int64(1), h.s.Status().EmergencyTriggers)
}

func TestUnknownOutcomeNotifiesOncePerStreak(t *testing.T) {
	h := newHarness(t, Options{EnqueueOnUnknown: true}, nil)
	ctx := context.Background()
	unknown := monitor.Outcome{Status: monitor.Unknown, Err: apperrors.ErrMetricsUnavailable}

	h.s.handleOutcome(ctx, unknown)
	h.s.handleOutcome(ctx, unknown)
	h.s.handleOutcome(ctx, unknown)
	assert.Equal(t, 1, h.queue.Len())
	_, errs, _ := h.notifier.counts()
	assert.Equal(t, 1, errs)

	h.s.handleOutcome(ctx, monitor.Outcome{Status: monitor.Clear})
	h.s.handleOutcome(ctx, unknown)
	assert.Equal(t, 2, h.queue.Len())
	_, errs, _ = h.notifier.counts()
	assert.Equal(t, 2, errs)

	req, _, _ := h.queue.Dequeue(ctx, time.Millisecond)
	assert.Equal(t, models.KindHealthCheck, req.Kind)
	assert.Equal(t, models.RequestNormal, req.Priority)

	st := h.s.Status()
	assert.Equal(t, int64(4), st.MonitorUnknownChecks)
	assert.Zero(t, st.EmergencyTriggers)
}

func TestUnknownWithoutHealthCheck(t *testing.T) {
	h := newHarness(t, Options{EnqueueOnUnknown: false}, nil)
	h.s.handleOutcome(context.Background(), monitor.Outcome{Status: monitor.Unknown, Err: errors.New("timeout")})
	assert.Zero(t, h.queue.Len())
}

func TestFailedRunsAreCountedAndNotified(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.reports.fail[models.KindManual] = true
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	failed, err := h.s.Enqueue(ctx, models.KindManual, "", "")
	require.NoError(t, err)
	ok, err := h.s.Enqueue(ctx, models.KindScheduled, "", "")
	require.NoError(t, err)

	h.waitState(t, failed, models.StateFailed)
	h.waitState(t, ok, models.StateCompleted)

	st, _ := h.s.RequestState(failed)
	assert.Contains(t, st.Error, "performance report unavailable")

	status := h.s.Status()
	assert.Equal(t, int64(2), status.TotalRuns)
	assert.Equal(t, int64(1), status.FailedRuns)
	assert.Equal(t, 50.0, status.SuccessRate)
	require.NotNil(t, status.LastRunAt)

	summaries, _, _ := h.notifier.counts()
	assert.Equal(t, 2, summaries, "notifier errors never fail a run")

	runs, err := h.s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1, "only completed runs are recorded")
	assert.Equal(t, models.KindScheduled, runs[0].Kind)
}

func TestAdvisoryErrorMarksFailed(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.advisor.err = apperrors.NewMalformedError("m", "parse", errors.New("no block"))
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	id, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateFailed)
	assert.Equal(t, int64(1), h.s.Status().FailedRuns)
}

func TestRunAppliesAndRecordsArtifacts(t *testing.T) {
	h := newHarness(t, Options{AutoApply: true}, nil)
	h.advisor.recs = []models.Recommendation{
		{
			Category: models.CategoryRisk, Priority: models.PriorityLow, Title: "floor", Description: "d",
			ConfigChanges: map[string]json.RawMessage{"risk_management.min_profit_threshold": json.RawMessage(`0.003`)},
		},
		{Category: models.CategoryRisk, Priority: models.PriorityCritical, Title: "halt", Description: "d"},
		{
			Category: models.CategoryTechnical, Priority: models.PriorityLow, Title: "code", Description: "d",
			CodeChanges:   []models.CodeChange{{File: "src/x.py", SuggestedValue: "y = 2"}},
			ConfigChanges: map[string]json.RawMessage{"risk.max_daily_loss": json.RawMessage(`10`)},
		},
	}
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	id, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateCompleted)

	v, ok, err := h.store.GetConfigValue(ctx, "risk_management.min_profit_threshold")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `0.003`, string(v))

	_, ok, err = h.store.GetConfigValue(ctx, "risk.max_daily_loss")
	require.NoError(t, err)
	assert.False(t, ok, "recommendations with code changes are never applied")

	st, _ := h.s.RequestState(id)
	art, err := h.store.GetArtifacts(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, art.Recommendations, 2, "critical without risks is dropped")
	assert.Equal(t, 10, art.Report.TotalTrades)

	status := h.s.Status()
	assert.Equal(t, int64(1), status.AppliedChanges)
	assert.True(t, status.AutoApplyEnabled)

	h.notifier.mu.Lock()
	require.Len(t, h.notifier.summaries, 1)
	assert.Equal(t, "1 applied, 1 keys written, 1 skipped, 0 failed", h.notifier.summaries[0].AutoApply)
	h.notifier.mu.Unlock()

	res, err := h.s.RevertRun(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"risk_management.min_profit_threshold"}, res.Reverted)
	_, ok, err = h.store.GetConfigValue(ctx, "risk_management.min_profit_threshold")
	require.NoError(t, err)
	assert.False(t, ok, "the run created the key, so revert removes it")

	changes, err := h.store.ConfigChanges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, store.SourceOperator, changes[0].Source)
	assert.Equal(t, st.RunID, changes[0].RunID)
	_, _, infos := h.notifier.counts()
	assert.Equal(t, 1, infos)
}

func TestRevertRunBlockedInReadOnly(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.s.deps.Applier = apply.NewExecutor(h.store, security.NewAccessController(true, nil), nil, zerolog.Nop())

	_, err := h.s.RevertRun(context.Background(), "run-1")
	assert.True(t, errors.Is(err, apperrors.ErrReadOnlyMode))
}

func TestUpdateScheduleRoundTrip(t *testing.T) {
	h := newHarness(t, Options{Schedule: "0 */6 * * *"}, nil)
	commit := time.Date(2025, 7, 1, 10, 7, 30, 0, time.UTC)
	h.s.now = func() time.Time { return commit }
	ctx := context.Background()

	require.NoError(t, h.s.UpdateSchedule(ctx, " */15 * * * * "))
	st := h.s.Status()
	assert.Equal(t, "*/15 * * * *", st.Schedule)
	require.NotNil(t, st.NextScheduledAt)
	assert.Equal(t, time.Date(2025, 7, 1, 10, 15, 0, 0, time.UTC), st.NextScheduledAt.UTC())

	err := h.s.UpdateSchedule(ctx, "every tuesday-ish")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSchedule))
	var se *apperrors.ScheduleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "every tuesday-ish", se.Expression)

	after := h.s.Status()
	assert.Equal(t, "*/15 * * * *", after.Schedule)
	assert.Equal(t, st.NextScheduledAt.UTC(), after.NextScheduledAt.UTC())

	raw, ok, err := h.store.GetConfigValue(ctx, ScheduleKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"*/15 * * * *"`, string(raw))

	_, _, infos := h.notifier.counts()
	assert.Equal(t, 1, infos)
}

func TestPersistedScheduleRestoredOnStart(t *testing.T) {
	h := newHarness(t, Options{Schedule: "@daily"}, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetConfigValues(ctx, map[string]json.RawMessage{ScheduleKey: json.RawMessage(`"@hourly"`)}, store.SourceOperator, ""))

	require.NoError(t, h.s.Start(ctx))
	assert.Equal(t, "@hourly", h.s.Schedule())
}

func TestUpdateScheduleBlockedInReadOnly(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.s.deps.Access = security.NewAccessController(true, nil)

	err := h.s.UpdateSchedule(context.Background(), "@hourly")
	assert.True(t, errors.Is(err, apperrors.ErrReadOnlyMode))
	assert.Equal(t, "@every 1h", h.s.Schedule())
}

func TestUpdateThresholds(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	next := models.EmergencyThresholds{LowSuccessRatePct: 70, HighDrawdownAbs: 50, MaxExecutionLatencyMs: 2000, FailedTradeStreak: 3}
	require.NoError(t, h.s.UpdateThresholds(ctx, next))
	assert.Equal(t, next, h.s.Status().Thresholds)

	bad := next
	bad.HighDrawdownAbs = -1
	assert.Error(t, h.s.UpdateThresholds(ctx, bad))
	assert.Equal(t, next, h.s.Status().Thresholds)
}

func TestStopLetsExecutingRequestFinish(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.reports.block[models.KindManual] = true
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	first, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, first, models.StateExecuting)
	second, err := h.s.Enqueue(ctx, models.KindScheduled, models.RequestNormal, "")
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- h.s.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a request was executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.reports.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	st, _ := h.s.RequestState(first)
	assert.Equal(t, models.StateCompleted, st.State)
	st, _ = h.s.RequestState(second)
	assert.Equal(t, models.StateQueued, st.State, "nothing is dequeued after stop")
	assert.Equal(t, 1, h.queue.Len())
	assert.False(t, h.s.IsRunning())
}

func TestStartTwiceIsNoop(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Start(ctx))
	assert.True(t, h.s.IsRunning())
	require.NoError(t, h.s.Stop())
	require.NoError(t, h.s.Stop())
	assert.False(t, h.s.IsRunning())
}

func TestEnqueueValidationAndFullQueue(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	_, err := h.s.Enqueue(ctx, "weekly", models.RequestNormal, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
	_, err = h.s.Enqueue(ctx, models.KindManual, "urgent", "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))

	for i := 0; i < h.queue.Stats().Capacity; i++ {
		_, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
		require.NoError(t, err)
	}
	_, err = h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	assert.True(t, errors.Is(err, apperrors.ErrQueueFull))

	status := h.s.Status()
	assert.Equal(t, 64, status.QueueCapacity)
	assert.Equal(t, 64, status.QueueDepth)
	assert.Equal(t, uint64(1), status.QueueRejected)

	id, err := h.s.Force(ctx, models.KindManual)
	assert.Error(t, err)
	assert.Empty(t, id)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Deps{}, Options{Schedule: "61 * * * *"}, zerolog.Nop())
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSchedule))
}

func TestPollInterval(t *testing.T) {
	max, min := 5*time.Minute, time.Second
	cases := []struct {
		remaining, want time.Duration
	}{
		{2 * time.Hour, 5 * time.Minute},
		{20 * time.Minute, 2 * time.Minute},
		{5 * time.Second, time.Second},
		{500 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PollInterval(c.remaining, max, min), c.remaining.String())
	}
}

func TestParseScheduleDescriptors(t *testing.T) {
	for _, expr := range []string{"@hourly", "@daily", "@every 90s", "0 9 * * 1-5"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	sched, err := ParseSchedule("0 9 * * *")
	require.NoError(t, err)
	ref, _ := cron.ParseStandard("0 9 * * *")
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, ref.Next(now), sched.Next(now))
}

func TestParentCancelDoesNotStrandScheduler(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.s.Start(parent))
	cancel()

	ctx := context.Background()
	id, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateCompleted)
	assert.True(t, h.s.IsRunning())

	require.NoError(t, h.s.Start(ctx))
	id, err = h.s.Enqueue(ctx, models.KindScheduled, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateCompleted)

	require.NoError(t, h.s.Stop())
	assert.False(t, h.s.IsRunning())

	require.NoError(t, h.s.Start(ctx))
	id, err = h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateCompleted)
}

func TestStatusRespondsWhileStopping(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.reports.block[models.KindManual] = true
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	id, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, id, models.StateExecuting)

	stopped := make(chan error, 1)
	go func() { stopped <- h.s.Stop() }()
	require.Eventually(t, func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return h.s.stopping
	}, time.Second, time.Millisecond)

	answered := make(chan models.SchedulerStatus, 1)
	go func() { answered <- h.s.Status() }()
	select {
	case st := <-answered:
		assert.True(t, st.IsRunning, "running until the executing request drains")
		assert.Equal(t, 1, st.Executing)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while Stop was draining")
	}
	assert.NoError(t, h.s.Start(ctx), "Start during Stop is a no-op")
	assert.NoError(t, h.s.Stop(), "a second Stop returns at once")

	close(h.reports.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, h.s.IsRunning())
	h.waitState(t, id, models.StateCompleted)
}

func TestConcurrentScheduleUpdatesStayConsistent(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	exprs := []string{"@hourly", "@daily", "*/5 * * * *", "0 9 * * 1-5", "@every 90s", "*/15 * * * *", "0 */6 * * *", "@weekly"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, e := range exprs {
			wg.Add(1)
			go func(expr string) {
				defer wg.Done()
				assert.NoError(t, h.s.UpdateSchedule(ctx, expr))
			}(e)
		}
	}
	wg.Wait()

	raw, ok, err := h.store.GetConfigValue(ctx, ScheduleKey)
	require.NoError(t, err)
	require.True(t, ok)
	var persisted string
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, h.s.Schedule(), persisted)

	changes, err := h.store.ConfigChanges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.JSONEq(t, changes[0].NewValue, string(raw))
}

type panickingNotifier struct {
	recordingNotifier
}

func (n *panickingNotifier) SendRunSummary(ctx context.Context, s *notify.RunSummary) error {
	panic("summary channel exploded")
}

func TestNotifierPanicDoesNotRecountRun(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.s.deps.Notifier = &panickingNotifier{}
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	first, err := h.s.Enqueue(ctx, models.KindManual, models.RequestNormal, "")
	require.NoError(t, err)
	second, err := h.s.Enqueue(ctx, models.KindScheduled, models.RequestNormal, "")
	require.NoError(t, err)
	h.waitState(t, first, models.StateCompleted)
	h.waitState(t, second, models.StateCompleted)

	st := h.s.Status()
	assert.Equal(t, int64(2), st.TotalRuns)
	assert.Equal(t, int64(2), st.SuccessfulRuns)
	assert.Zero(t, st.FailedRuns)
}
