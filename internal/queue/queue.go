// Package queue carries analysis and clustering jobs from the request side
// to workers, and tracks their status.
package queue

import (
	"context"
	"time"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// Job kinds.
const (
	KindAnalyze = "analyze"
	KindCluster = "cluster"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Arg      string        `json:"arg,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	Enqueued time.Time     `json:"enqueued_at"`
}

// Status is what callers see when they poll a job.
type Status struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Arg      string     `json:"arg,omitempty"`
	State    State      `json:"state"`
	Result   string     `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Enqueued time.Time  `json:"enqueued_at"`
	Started  *time.Time `json:"started_at,omitempty"`
	Ended    *time.Time `json:"ended_at,omitempty"`
}

// Queue is the job queue.
type Queue interface {
	Enqueue(ctx context.Context, kind, arg string, timeout time.Duration) (string, error)
	FetchStatus(ctx context.Context, id string) (Status, error)

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)

	MarkStarted(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id, result string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	Close() error
}

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = siftErrors.New(siftErrors.ErrCodeJobNotFound, "job not found", nil)

func jobNotFound(id string) error {
	return siftErrors.New(siftErrors.ErrCodeJobNotFound, "job "+id+" not found", nil).WithDetail("job_id", id)
}
