package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/monitor"
)

// runTimer fires scheduled requests and runs the emergency monitor while it
// waits. A failing cycle is logged and retried after ErrorBackoff.
func (s *Scheduler) runTimer(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.timerCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Dur("backoff", s.opts.ErrorBackoff).Msg("Timer cycle failed")
			if !sleepCtx(ctx, s.opts.ErrorBackoff) {
				return nil
			}
		}
	}
}

// timerCycle sleeps toward the next fire time, checking the monitor at each
// poll, and enqueues the scheduled request when the time arrives. It returns
// early, without enqueueing, when the schedule changes.
func (s *Scheduler) timerCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("timer panic: %v", r)
		}
	}()

	next := s.commitNext()
	s.logger.Debug().Time("next", next).Msg("Waiting for next scheduled analysis")

	for {
		remaining := next.Sub(s.now())
		if remaining <= 0 {
			if _, err := s.Enqueue(ctx, models.KindScheduled, models.RequestNormal, ""); err != nil {
				return fmt.Errorf("enqueue scheduled analysis: %w", err)
			}
			return nil
		}

		timer := time.NewTimer(PollInterval(remaining, s.opts.MaxPollInterval, s.opts.MinPollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
			s.logger.Debug().Msg("Timer woken by schedule change")
			return nil
		case <-timer.C:
		}

		if s.deps.Monitor != nil && s.now().Before(next) {
			s.handleOutcome(ctx, s.deps.Monitor.Check(ctx))
		}
	}
}

// commitNext computes the next fire time from the current schedule and
// publishes it for Status.
func (s *Scheduler) commitNext() time.Time {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.next = s.schedule.Next(s.now())
	return s.next
}

// handleOutcome reacts to one monitor check. Only one request is enqueued
// per check.
func (s *Scheduler) handleOutcome(ctx context.Context, o monitor.Outcome) {
	s.deps.Stats.RecordCheck(o.Status.String())

	switch o.Status {
	case monitor.Breach:
		s.unknownStreak = false
		focus := "Emergency: " + strings.Join(o.Breaches, "; ")
		if _, err := s.Enqueue(ctx, models.KindEmergency, models.RequestHigh, focus); err != nil {
			s.logger.Error().Err(err).Msg("Failed to enqueue emergency analysis")
		}

	case monitor.Unknown:
		s.logger.Warn().Err(o.Err).Bool("streak", s.unknownStreak).Msg("Emergency check inconclusive")
		if s.unknownStreak {
			return
		}
		s.unknownStreak = true
		cause := o.Err
		if cause == nil {
			cause = errors.New("metrics fetch failed")
		}
		if err := s.deps.Notifier.SendError(ctx, cause, "Live metrics unavailable; emergency checks are blind"); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send monitor notification")
		}
		if s.opts.EnqueueOnUnknown {
			if _, err := s.Enqueue(ctx, models.KindHealthCheck, models.RequestNormal, "Live metrics could not be fetched"); err != nil {
				s.logger.Error().Err(err).Msg("Failed to enqueue health check")
			}
		}

	default:
		if s.unknownStreak {
			s.logger.Info().Msg("Live metrics available again")
		}
		s.unknownStreak = false
	}
}

// PollInterval is how long the timer sleeps before the next monitor check:
// a tenth of the remaining time, clamped to [min, max] and never past the
// fire time.
func PollInterval(remaining, max, min time.Duration) time.Duration {
	p := remaining / 10
	if p > max {
		p = max
	}
	if p < min {
		p = min
	}
	if p > remaining {
		p = remaining
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
