package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// Redis queue defaults.
const (
	DefaultRedisName  = "imgsift"
	DefaultResultTTL  = 24 * time.Hour
	dequeuePollPeriod = time.Second
)

// RedisQueue is a Queue shared by every process pointing at the same Redis.
// Jobs are JSON on the list <name>:queue; status lives in the hash
// <name>:job:<id>, which expires ResultTTL after its last update.
type RedisQueue struct {
	client *redis.Client
	name   string
	ttl    time.Duration
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to url (redis://host:port/db) and pings it.
func NewRedisQueue(ctx context.Context, url, name string, ttl time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, siftErrors.New(siftErrors.ErrCodeQueueFailed, "redis is not reachable", err).
			WithSuggestion("Check queue.redis_url or use queue.backend: memory")
	}
	return newRedisQueue(client, name, ttl), nil
}

func newRedisQueue(client *redis.Client, name string, ttl time.Duration) *RedisQueue {
	if name == "" {
		name = DefaultRedisName
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisQueue{client: client, name: name, ttl: ttl, now: time.Now}
}

func (q *RedisQueue) listKey() string { return q.name + ":queue" }

func (q *RedisQueue) jobKey(id string) string { return q.name + ":job:" + id }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (q *RedisQueue) Enqueue(ctx context.Context, kind, arg string, timeout time.Duration) (string, error) {
	job := Job{ID: uuid.NewString(), Kind: kind, Arg: arg, Timeout: timeout, Enqueued: q.now()}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	key := q.jobKey(job.ID)
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"id":       job.ID,
			"kind":     kind,
			"arg":      arg,
			"state":    string(StateQueued),
			"enqueued": formatTime(job.Enqueued),
			"timeout":  strconv.FormatInt(int64(timeout), 10),
		})
		p.Expire(ctx, key, q.ttl)
		p.RPush(ctx, q.listKey(), payload)
		return nil
	})
	if err != nil {
		return "", siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to enqueue job", err)
	}
	return job.ID, nil
}

func (q *RedisQueue) FetchStatus(ctx context.Context, id string) (Status, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Status{}, siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to read job status", err)
	}
	if len(fields) == 0 {
		return Status{}, jobNotFound(id)
	}
	return statusFromHash(fields), nil
}

func statusFromHash(f map[string]string) Status {
	st := Status{
		ID:     f["id"],
		Kind:   f["kind"],
		Arg:    f["arg"],
		State:  State(f["state"]),
		Result: f["result"],
		Error:  f["error"],
	}
	parse := func(key string) *time.Time {
		v, ok := f[key]
		if !ok || v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		return &t
	}
	if t := parse("enqueued"); t != nil {
		st.Enqueued = *t
	}
	st.Started = parse("started")
	st.Ended = parse("ended")
	return st
}

// Dequeue polls BLPOP so context cancellation is noticed within a second.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.BLPop(ctx, dequeuePollPeriod, q.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to dequeue job", err)
		}
		// BLPOP returns the list name then the payload.
		if len(res) < 2 {
			return nil, siftErrors.New(siftErrors.ErrCodeQueueFailed, "invalid BLPOP reply", nil)
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to decode job", err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) set(ctx context.Context, id string, fields map[string]any) error {
	key := q.jobKey(id)
	n, err := q.client.Exists(ctx, key).Result()
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to read job", err)
	}
	if n == 0 {
		return jobNotFound(id)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeQueueFailed, "failed to update job", err)
	}
	return nil
}

func (q *RedisQueue) MarkStarted(ctx context.Context, id string) error {
	return q.set(ctx, id, map[string]any{"state": string(StateRunning), "started": formatTime(q.now())})
}

func (q *RedisQueue) MarkFinished(ctx context.Context, id, result string) error {
	return q.set(ctx, id, map[string]any{"state": string(StateFinished), "result": result, "ended": formatTime(q.now())})
}

func (q *RedisQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.set(ctx, id, map[string]any{"state": string(StateFailed), "error": msg, "ended": formatTime(q.now())})
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
