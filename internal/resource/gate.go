package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Gate is the mutual-exclusion guard around the accelerator. At most one
// holder is inside the gate at a time. With a lock file configured the
// exclusion also holds across worker processes on the same host.
type Gate struct {
	token chan struct{}
	file  *FileLock

	// onAcquire observes how long a caller waited, for metrics.
	onAcquire func(wait time.Duration)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLockFile adds cross-process exclusion through a lock file.
func WithLockFile(path string) GateOption {
	return func(g *Gate) {
		if path != "" {
			g.file = NewFileLock(path)
		}
	}
}

// WithWaitObserver registers a callback receiving the wait time of every
// successful Acquire.
func WithWaitObserver(fn func(wait time.Duration)) GateOption {
	return func(g *Gate) {
		g.onAcquire = fn
	}
}

// NewGate creates a free gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{token: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until the gate is free, then takes it and returns the
// function that gives it back. Only that function frees this hold, and
// calling it again is a no-op. If ctx ends first Acquire returns ctx.Err()
// and leaves the gate untouched.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()

	select {
	case g.token <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The file lock is only touched by the in-process holder.
	if g.file != nil {
		if err := g.file.Lock(ctx); err != nil {
			<-g.token
			return nil, err
		}
	}

	if g.onAcquire != nil {
		g.onAcquire(time.Since(start))
	}
	var once sync.Once
	return func() { once.Do(g.release) }, nil
}

func (g *Gate) release() {
	// Drop the file lock before the token so the next in-process holder
	// cannot observe a lock it does not own.
	if g.file != nil {
		if err := g.file.Unlock(); err != nil {
			slog.Warn("gate_lock_release_failed", slog.String("path", g.file.Path()), slog.String("error", err.Error()))
		}
	}
	<-g.token
}

// Held reports whether some caller is inside the gate.
func (g *Gate) Held() bool {
	return len(g.token) == 1
}

// Do runs fn inside the gate. The gate is released on every exit path,
// including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
