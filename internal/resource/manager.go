// Package resource loads heavy inference models once per process and
// serialises their use of the accelerator.
package resource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader produces the handle for a named resource.
type Loader func(ctx context.Context) (any, error)

// Manager caches loaded resources by name and owns the accelerator gate.
// One Manager is built at process start and handed to every stage.
type Manager struct {
	mu      sync.RWMutex
	handles map[string]any

	group singleflight.Group
	gate  *Gate

	onLoad func(name string, d time.Duration, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// UseGate replaces the default in-process gate.
func UseGate(g *Gate) Option {
	return func(m *Manager) {
		m.gate = g
	}
}

// WithLoadObserver registers a callback run after every loader invocation.
func WithLoadObserver(fn func(name string, d time.Duration, err error)) Option {
	return func(m *Manager) {
		m.onLoad = fn
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{handles: make(map[string]any)}
	for _, opt := range opts {
		opt(m)
	}
	if m.gate == nil {
		m.gate = NewGate()
	}
	return m
}

// GetOrLoad returns the cached handle for name. On a miss the loader runs
// exactly once even under concurrent callers; they all receive its result.
// A failed load is not cached, so the next call tries again.
func (m *Manager) GetOrLoad(ctx context.Context, name string, loader Loader) (any, error) {
	if h, ok := m.cached(name); ok {
		return h, nil
	}

	ch := m.group.DoChan(name, func() (any, error) {
		if h, ok := m.cached(name); ok {
			return h, nil
		}

		start := time.Now()
		h, err := loader(ctx)
		if m.onLoad != nil {
			m.onLoad(name, time.Since(start), err)
		}
		if err != nil {
			slog.Warn("resource_load_failed", slog.String("name", name), slog.String("error", err.Error()))
			return nil, fmt.Errorf("load %s: %w", name, err)
		}

		m.mu.Lock()
		m.handles[name] = h
		m.mu.Unlock()

		slog.Info("resource_loaded", slog.String("name", name), slog.Duration("took", time.Since(start)))
		return h, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load is the typed form of GetOrLoad.
func Load[T any](ctx context.Context, m *Manager, name string, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	h, err := m.GetOrLoad(ctx, name, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("resource %s has type %T, want %T", name, h, zero)
	}
	return t, nil
}

func (m *Manager) cached(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

// Loaded reports whether name is in the cache.
func (m *Manager) Loaded(name string) bool {
	_, ok := m.cached(name)
	return ok
}

// Names returns the loaded resource names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handles))
	for n := range m.handles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Gate returns the accelerator gate.
func (m *Manager) Gate() *Gate {
	return m.gate
}

// Acquire takes the accelerator gate and returns its release function.
func (m *Manager) Acquire(ctx context.Context) (release func(), err error) {
	return m.gate.Acquire(ctx)
}

// WithGate runs fn while holding the accelerator gate.
func (m *Manager) WithGate(ctx context.Context, fn func() error) error {
	return m.gate.Do(ctx, fn)
}

// Close closes every cached handle that implements io.Closer and empties
// the cache.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]any)
	m.mu.Unlock()

	var firstErr error
	for name, h := range handles {
		c, ok := h.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return firstErr
}
