// Package queue provides the bounded request queue between producers
// (timer, monitor, API) and the single queue processor.
package queue

import (
	"context"
	"sync"
	"time"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// Queue is a FIFO of analysis requests. Enqueue is safe for concurrent
// callers; Dequeue is meant for exactly one consumer.
type Queue interface {
	Enqueue(req models.AnalysisRequest) error
	// Dequeue waits at most wait for the next request. ok is false on
	// timeout. Once ctx is done it returns ctx.Err() and removes nothing.
	Dequeue(ctx context.Context, wait time.Duration) (req models.AnalysisRequest, ok bool, err error)
	Len() int
	Stats() Stats
}

// Stats contains queue statistics.
type Stats struct {
	Enqueued uint64
	Rejected uint64
	Depth    int
	Capacity int
}

// BoundedQueue implements Queue on a mutex-guarded slice. The context
// check and the removal of the head happen under the same lock, so a
// consumer whose context is done never takes a request.
type BoundedQueue struct {
	mu       sync.Mutex
	items    []models.AnalysisRequest
	capacity int
	enqueued uint64
	rejected uint64

	ready chan struct{} // signalled after every enqueue
}

var _ Queue = (*BoundedQueue)(nil)

// NewBoundedQueue creates a queue holding at most capacity requests.
func NewBoundedQueue(capacity int) *BoundedQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BoundedQueue{
		items:    make([]models.AnalysisRequest, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue adds req to the tail. It never blocks: a full queue returns ErrQueueFull.
func (q *BoundedQueue) Enqueue(req models.AnalysisRequest) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.rejected++
		q.mu.Unlock()
		return apperrors.ErrQueueFull
	}
	q.items = append(q.items, req)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the head of the queue.
func (q *BoundedQueue) Dequeue(ctx context.Context, wait time.Duration) (models.AnalysisRequest, bool, error) {
	var timer *time.Timer
	for {
		if req, ok, err := q.pop(ctx); ok || err != nil {
			return req, ok, err
		}

		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return models.AnalysisRequest{}, false, ctx.Err()
		case <-timer.C:
			return models.AnalysisRequest{}, false, nil
		}
	}
}

func (q *BoundedQueue) pop(ctx context.Context) (models.AnalysisRequest, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return models.AnalysisRequest{}, false, err
	}
	if len(q.items) == 0 {
		return models.AnalysisRequest{}, false, nil
	}
	req := q.items[0]
	q.items[0] = models.AnalysisRequest{}
	q.items = q.items[1:]
	return req, true, nil
}

// Len returns the number of queued requests.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns lifetime counters.
func (q *BoundedQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued,
		Rejected: q.rejected,
		Depth:    len(q.items),
		Capacity: q.capacity,
	}
}
