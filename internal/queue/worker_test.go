package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// waitState polls until the job reaches a terminal state.
func waitState(t *testing.T, q Queue, id string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = q.FetchStatus(context.Background(), id)
		return err == nil && (st.State == StateFinished || st.State == StateFailed)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func startWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestWorker_RunsHandlers(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(8)
	w := NewWorker(q, 2)
	var analyzed atomic.Int32
	w.Handle(KindAnalyze, func(ctx context.Context, job *Job) (string, error) {
		analyzed.Add(1)
		return "indexed " + job.Arg, nil
	})
	w.Handle(KindCluster, func(ctx context.Context, job *Job) (string, error) {
		return "", errors.New("no embeddings")
	})
	stop := startWorker(t, w)
	defer stop()

	ctx := context.Background()
	okID, err := q.Enqueue(ctx, KindAnalyze, "m1", time.Second)
	require.NoError(t, err)
	failID, err := q.Enqueue(ctx, KindCluster, "", time.Second)
	require.NoError(t, err)

	st := waitState(t, q, okID)
	assert.Equal(t, StateFinished, st.State)
	assert.Equal(t, "indexed m1", st.Result)

	st = waitState(t, q, failID)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "no embeddings", st.Error)
	assert.Equal(t, int32(1), analyzed.Load())
}

func TestWorker_TimeoutCallsHook(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given a handler that ignores its deadline for a while
	q := NewMemoryQueue(1)
	var hooked atomic.Value
	w := NewWorker(q, 1, WithTimeoutHook(func(ctx context.Context, job *Job) {
		assert.NoError(t, ctx.Err(), "hook gets a live context")
		hooked.Store(job.Arg)
	}))
	w.Handle(KindAnalyze, func(ctx context.Context, job *Job) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	stop := startWorker(t, w)
	defer stop()

	// When the job overruns
	id, err := q.Enqueue(context.Background(), KindAnalyze, "slow-media", 20*time.Millisecond)
	require.NoError(t, err)

	// Then it is failed and the hook saw it
	st := waitState(t, q, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "timed out")
	assert.Equal(t, "slow-media", hooked.Load())
}

func TestWorker_LateSuccessIsNotATimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given a handler that finishes its work after the deadline passed
	q := NewMemoryQueue(1)
	var hooked atomic.Bool
	w := NewWorker(q, 1, WithTimeoutHook(func(context.Context, *Job) {
		hooked.Store(true)
	}))
	w.Handle(KindAnalyze, func(ctx context.Context, job *Job) (string, error) {
		<-ctx.Done()
		return "indexed " + job.Arg, nil
	})
	stop := startWorker(t, w)
	defer stop()

	// When the job runs past its timeout
	id, err := q.Enqueue(context.Background(), KindAnalyze, "late-media", 20*time.Millisecond)
	require.NoError(t, err)

	// Then the success stands and the hook never fires
	st := waitState(t, q, id)
	assert.Equal(t, StateFinished, st.State)
	assert.Equal(t, "indexed late-media", st.Result)
	assert.False(t, hooked.Load())
}

func TestWorker_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(1)
	w := NewWorker(q, 1)
	w.Handle(KindAnalyze, func(ctx context.Context, job *Job) (string, error) {
		panic("bad image")
	})
	stop := startWorker(t, w)
	defer stop()

	id, err := q.Enqueue(context.Background(), KindAnalyze, "m", time.Second)
	require.NoError(t, err)
	st := waitState(t, q, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "panicked")
}

func TestWorker_UnknownKind(t *testing.T) {
	q := NewMemoryQueue(1)
	w := NewWorker(q, 1)
	id, err := q.Enqueue(context.Background(), "resize", "", time.Second)
	require.NoError(t, err)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	w.Process(context.Background(), job)

	st, err := q.FetchStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "no handler")
}

func TestWorker_ObserverAndConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(32)
	var mu sync.Mutex
	observed := map[string]int{}
	w := NewWorker(q, 4, WithJobObserver(func(kind string, d time.Duration, err error) {
		mu.Lock()
		observed[kind]++
		mu.Unlock()
	}))
	var inside, maxInside atomic.Int32
	w.Handle(KindAnalyze, func(ctx context.Context, job *Job) (string, error) {
		n := inside.Add(1)
		for {
			old := maxInside.Load()
			if n <= old || maxInside.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return "ok", nil
	})
	stop := startWorker(t, w)
	defer stop()

	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		id, err := q.Enqueue(context.Background(), KindAnalyze, "", time.Second)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitState(t, q, id)
	}

	mu.Lock()
	assert.Equal(t, 16, observed[KindAnalyze])
	mu.Unlock()
	assert.LessOrEqual(t, maxInside.Load(), int32(4))
}
