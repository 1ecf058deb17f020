package scheduler

import (
	"sync"
	"time"

	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/telemetry"
)

// Stats holds the run counters. Run counters are written by the processor
// only; monitor counters by the timer only. Everyone else reads snapshots.
type Stats struct {
	mu                sync.RWMutex
	totalRuns         int64
	successfulRuns    int64
	failedRuns        int64
	emergencyTriggers int64
	unknownChecks     int64
	appliedChanges    int64
	lastRunAt         time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalRuns         int64
	SuccessfulRuns    int64
	FailedRuns        int64
	EmergencyTriggers int64
	UnknownChecks     int64
	AppliedChanges    int64
	LastRunAt         time.Time
}

// SuccessRate is the share of successful runs in percent.
func (s StatsSnapshot) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(s.TotalRuns) * 100
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRun counts a finished run.
func (s *Stats) RecordRun(kind models.RequestKind, state models.RequestState, at time.Time, keysWritten int) {
	s.mu.Lock()
	s.totalRuns++
	if state == models.StateCompleted {
		s.successfulRuns++
	} else {
		s.failedRuns++
	}
	s.appliedChanges += int64(keysWritten)
	s.lastRunAt = at
	s.mu.Unlock()

	telemetry.RecordRun(string(kind), string(state))
}

// RecordCheck counts one monitor check by outcome name.
func (s *Stats) RecordCheck(outcome string) {
	s.mu.Lock()
	switch outcome {
	case "breach":
		s.emergencyTriggers++
	case "unknown":
		s.unknownChecks++
	}
	s.mu.Unlock()

	telemetry.RecordEmergencyCheck(outcome)
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		TotalRuns:         s.totalRuns,
		SuccessfulRuns:    s.successfulRuns,
		FailedRuns:        s.failedRuns,
		EmergencyTriggers: s.emergencyTriggers,
		UnknownChecks:     s.unknownChecks,
		AppliedChanges:    s.appliedChanges,
		LastRunAt:         s.lastRunAt,
	}
}
