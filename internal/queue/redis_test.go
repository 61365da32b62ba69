package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromHash(t *testing.T) {
	st := statusFromHash(map[string]string{
		"id":       "j1",
		"kind":     KindAnalyze,
		"arg":      "m1",
		"state":    "finished",
		"result":   "indexed",
		"enqueued": "2025-03-01T12:00:00Z",
		"started":  "2025-03-01T12:00:01Z",
		"ended":    "2025-03-01T12:00:05.5Z",
	})

	assert.Equal(t, StateFinished, st.State)
	assert.Equal(t, "indexed", st.Result)
	assert.Equal(t, 2025, st.Enqueued.Year())
	require.NotNil(t, st.Started)
	require.NotNil(t, st.Ended)
	assert.Equal(t, 4500*time.Millisecond, st.Ended.Sub(*st.Started))
}

func TestStatusFromHash_MissingTimes(t *testing.T) {
	st := statusFromHash(map[string]string{"id": "j1", "state": "queued", "started": "garbage"})
	assert.Nil(t, st.Started)
	assert.Nil(t, st.Ended)
	assert.True(t, st.Enqueued.IsZero())
}

func TestRedisQueue_Integration(t *testing.T) {
	url := os.Getenv("IMGSIFT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("IMGSIFT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, url, "imgsift-test-"+uuid.NewString(), time.Minute)
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Enqueue(ctx, KindAnalyze, "m1", 30*time.Second)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 30*time.Second, job.Timeout)

	require.NoError(t, q.MarkStarted(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, errors.New("boom")))

	st, err := q.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "boom", st.Error)
	assert.NotNil(t, st.Ended)

	ttl, err := q.client.TTL(ctx, q.jobKey(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = q.FetchStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
