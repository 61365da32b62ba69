package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/queue"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// NewWorker creates a worker with the analyze and cluster handlers
// registered. A job that overruns its timeout leaves its record failed.
func (a *App) NewWorker(concurrency int) *queue.Worker {
	if concurrency <= 0 {
		concurrency = a.Config.Worker.Concurrency
	}
	w := queue.NewWorker(a.Queue, concurrency,
		queue.WithLogger(a.Logger),
		queue.WithDefaultTimeout(a.Config.Worker.JobTimeout),
		queue.WithJobObserver(a.Metrics.ObserveJob),
		queue.WithTimeoutHook(a.onJobTimeout))
	w.Handle(queue.KindAnalyze, a.handleAnalyze)
	w.Handle(queue.KindCluster, a.handleCluster)
	return w
}

func (a *App) handleAnalyze(ctx context.Context, job *queue.Job) (string, error) {
	if job.Arg == "" {
		return "", siftErrors.ValidationError("analyze job has no media id", nil)
	}
	rec, err := a.Analyzer.Analyze(ctx, job.Arg)
	if err != nil {
		return "", err
	}
	return string(rec.Status), nil
}

func (a *App) handleCluster(ctx context.Context, _ *queue.Job) (string, error) {
	info, err := a.Clusterer.ClusterAll(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d clusters, %d noise points", info.NClusters, info.NoisePoints), nil
}

func (a *App) onJobTimeout(ctx context.Context, job *queue.Job) {
	if job.Kind != queue.KindAnalyze || job.Arg == "" {
		return
	}
	cause := siftErrors.New(siftErrors.ErrCodeModelTimeout,
		fmt.Sprintf("analysis timed out after %s", job.Timeout), nil)
	if err := a.Analyzer.MarkFailed(ctx, job.Arg, cause); err != nil {
		a.Logger.Error("timeout_mark_failed",
			slog.String("media_id", job.Arg),
			slog.String("error", err.Error()))
	}
}

// EnqueueCluster queues a clustering run.
func (a *App) EnqueueCluster(ctx context.Context) (string, error) {
	return a.Queue.Enqueue(ctx, queue.KindCluster, "", a.Config.Worker.JobTimeout)
}

// Drain runs every job waiting in an in-process queue and returns how many
// ran. It is a no-op for shared queues, whose jobs belong to workers.
func (a *App) Drain(ctx context.Context) (int, error) {
	return a.DrainWithProgress(ctx, nil)
}

// DrainWithProgress is Drain calling progress after each job with the
// number done and the number known so far.
func (a *App) DrainWithProgress(ctx context.Context, progress func(done, total int)) (int, error) {
	q, ok := a.Queue.(*queue.MemoryQueue)
	if !ok {
		return 0, nil
	}
	w := a.NewWorker(1)
	n := 0
	for q.Len() > 0 {
		job, err := q.Dequeue(ctx)
		if err != nil {
			return n, err
		}
		w.Process(ctx, job)
		n++
		if progress != nil {
			progress(n, n+q.Len())
		}
	}
	return n, nil
}

// ToggleLike flips the liked flag and returns the updated record.
func (a *App) ToggleLike(ctx context.Context, id string) (*media.Record, error) {
	rec, err := a.Records.GetMedia(ctx, id)
	if err != nil {
		return nil, err
	}
	liked := !rec.Liked
	if err := a.Records.UpdateMedia(ctx, id, media.Update{Liked: &liked}); err != nil {
		return nil, err
	}
	rec.Liked = liked
	return rec, nil
}

// DeleteMedia removes the record, its cluster membership and its bytes.
// The bytes go first: if the object store fails the record is kept and the
// error returned, so the delete can be retried without orphaning a blob.
func (a *App) DeleteMedia(ctx context.Context, id string) error {
	rec, err := a.Records.GetMedia(ctx, id)
	if err != nil {
		return err
	}
	if rec.StorageKey != "" {
		if err := a.Objects.Delete(ctx, rec.StorageKey); err != nil && !errors.Is(err, store.ErrObjectNotFound) {
			a.Logger.Warn("object_delete_failed",
				slog.String("media_id", id),
				slog.String("storage_key", rec.StorageKey),
				slog.String("error", err.Error()))
			return fmt.Errorf("failed to delete object for %s: %w", id, err)
		}
	}
	if err := a.Records.DeleteMedia(ctx, id); err != nil {
		return err
	}
	a.unindexRecord(id)
	a.Logger.Info("media_deleted", slog.String("media_id", id))
	return nil
}
