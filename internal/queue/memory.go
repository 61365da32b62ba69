package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// DefaultMemoryCapacity bounds the in-process backlog.
const DefaultMemoryCapacity = 1024

// MemoryQueue is a Queue for a single process.
type MemoryQueue struct {
	jobs chan *Job

	mu       sync.RWMutex
	statuses map[string]*Status
	closed   bool
	now      func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{
		jobs:     make(chan *Job, capacity),
		statuses: make(map[string]*Status),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, kind, arg string, timeout time.Duration) (string, error) {
	job := &Job{ID: uuid.NewString(), Kind: kind, Arg: arg, Timeout: timeout, Enqueued: q.now()}
	q.mu.Lock()
	q.statuses[job.ID] = &Status{ID: job.ID, Kind: kind, Arg: arg, State: StateQueued, Enqueued: job.Enqueued}
	q.mu.Unlock()

	if err := q.send(ctx, job); err != nil {
		q.mu.Lock()
		delete(q.statuses, job.ID)
		q.mu.Unlock()
		return "", err
	}
	return job.ID, nil
}

// send holds the read lock so Close cannot close the channel mid-send.
func (q *MemoryQueue) send(ctx context.Context, job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return siftErrors.New(siftErrors.ErrCodeQueueFailed, "queue is closed", nil)
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) FetchStatus(_ context.Context, id string) (Status, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st, ok := q.statuses[id]
	if !ok {
		return Status{}, jobNotFound(id)
	}
	return *st, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, siftErrors.New(siftErrors.ErrCodeQueueFailed, "queue is closed", nil)
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) update(id string, fn func(*Status)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[id]
	if !ok {
		return jobNotFound(id)
	}
	fn(st)
	return nil
}

func (q *MemoryQueue) MarkStarted(_ context.Context, id string) error {
	now := q.now()
	return q.update(id, func(st *Status) {
		st.State = StateRunning
		st.Started = &now
	})
}

func (q *MemoryQueue) MarkFinished(_ context.Context, id, result string) error {
	now := q.now()
	return q.update(id, func(st *Status) {
		st.State = StateFinished
		st.Result = result
		st.Ended = &now
	})
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id string, cause error) error {
	now := q.now()
	return q.update(id, func(st *Status) {
		st.State = StateFailed
		if cause != nil {
			st.Error = cause.Error()
		}
		st.Ended = &now
	})
}

// Len returns the number of jobs waiting.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs. Jobs already queued can still be dequeued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
