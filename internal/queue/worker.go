package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker defaults.
const (
	DefaultJobTimeout = 600 * time.Second
	dequeueRetryDelay = time.Second
	// statusTimeout bounds status writes made after the job context ended.
	statusTimeout = 10 * time.Second
)

// Handler runs one job and returns a short result string.
type Handler func(ctx context.Context, job *Job) (string, error)

// Worker runs jobs from a Queue on a fixed number of goroutines.
type Worker struct {
	queue       Queue
	concurrency int
	handlers    map[string]Handler
	logger      *slog.Logger

	defaultTimeout time.Duration
	onTimeout      func(ctx context.Context, job *Job)
	observe        func(kind string, d time.Duration, err error)
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithDefaultTimeout applies to jobs enqueued without a timeout.
func WithDefaultTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.defaultTimeout = d }
}

// WithTimeoutHook is called when a job overruns its timeout, after the
// handler returned. The context passed is not the expired job context.
func WithTimeoutHook(fn func(ctx context.Context, job *Job)) WorkerOption {
	return func(w *Worker) { w.onTimeout = fn }
}

// WithJobObserver is called after every job with its kind, duration and error.
func WithJobObserver(fn func(kind string, d time.Duration, err error)) WorkerOption {
	return func(w *Worker) { w.observe = fn }
}

// NewWorker creates a worker. concurrency below 1 is treated as 1.
func NewWorker(q Queue, concurrency int, opts ...WorkerOption) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	w := &Worker{
		queue:          q,
		concurrency:    concurrency,
		handlers:       make(map[string]Handler),
		logger:         slog.Default(),
		defaultTimeout: DefaultJobTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for a job kind. Call before Run.
func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run processes jobs until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	w.logger.Info("worker_started", slog.Int("concurrency", w.concurrency))
	err := g.Wait()
	w.logger.Info("worker_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("dequeue_failed", slog.Int("worker", id), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one job to completion and records its outcome. Exported so
// a job can be run inline without a worker loop.
func (w *Worker) Process(ctx context.Context, job *Job) {
	logger := w.logger.With(slog.String("job_id", job.ID), slog.String("kind", job.Kind))

	// Status writes outlive the job context.
	statusCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	}

	sctx, cancel := statusCtx()
	if err := w.queue.MarkStarted(sctx, job.ID); err != nil {
		logger.Warn("job_status_update_failed", slog.String("error", err.Error()))
	}
	cancel()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, err := w.run(jobCtx, job)
	// A handler that returned success after the deadline still succeeded.
	timedOut := err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelJob()
	elapsed := time.Since(start)

	if timedOut {
		err = fmt.Errorf("job timed out after %s", timeout)
		if w.onTimeout != nil {
			hctx, cancel := statusCtx()
			w.onTimeout(hctx, job)
			cancel()
		}
	}
	if w.observe != nil {
		w.observe(job.Kind, elapsed, err)
	}

	sctx, cancel = statusCtx()
	defer cancel()
	if err != nil {
		logger.Error("job_failed", slog.String("error", err.Error()), slog.Duration("duration", elapsed))
		if mErr := w.queue.MarkFailed(sctx, job.ID, err); mErr != nil {
			logger.Warn("job_status_update_failed", slog.String("error", mErr.Error()))
		}
		return
	}
	logger.Info("job_finished", slog.Duration("duration", elapsed))
	if mErr := w.queue.MarkFinished(sctx, job.ID, result); mErr != nil {
		logger.Warn("job_status_update_failed", slog.String("error", mErr.Error()))
	}
}

// run calls the handler, turning a panic into an error.
func (w *Worker) run(ctx context.Context, job *Job) (result string, err error) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return "", fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job_panicked", slog.String("job_id", job.ID), slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
