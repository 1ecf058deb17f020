package scheduler

import (
	"sync"
	"time"

	"smartarb-advisor/internal/models"
)

const defaultStateRetention = 500

// requestTracker remembers the state of recent requests. Once more than
// retention requests are tracked the oldest terminal ones are forgotten.
type requestTracker struct {
	mu        sync.RWMutex
	states    map[string]*models.RequestStatus
	order     []string
	retention int
}

func newRequestTracker(retention int) *requestTracker {
	if retention <= 0 {
		retention = defaultStateRetention
	}
	return &requestTracker{
		states:    make(map[string]*models.RequestStatus),
		retention: retention,
	}
}

func (t *requestTracker) add(req models.AnalysisRequest, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[req.ID] = &models.RequestStatus{Request: req, State: models.StateQueued, UpdatedAt: at}
	t.order = append(t.order, req.ID)
	t.prune()
}

func (t *requestTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *requestTracker) set(id string, state models.RequestState, runID string, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return
	}
	st.State = state
	st.UpdatedAt = at
	if runID != "" {
		st.RunID = runID
	}
	if err != nil {
		st.Error = err.Error()
	}
}

func (t *requestTracker) get(id string) (models.RequestStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	if !ok {
		return models.RequestStatus{}, false
	}
	return *st, true
}

// executing returns the number of requests currently executing.
func (t *requestTracker) executing() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, st := range t.states {
		if st.State == models.StateExecuting {
			n++
		}
	}
	return n
}

// prune drops the oldest terminal entries beyond retention. Callers hold mu.
func (t *requestTracker) prune() {
	excess := len(t.order) - t.retention
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if excess > 0 && t.states[id].State.Terminal() {
			delete(t.states, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
