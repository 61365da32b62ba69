package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Sink ingests one file. Errors are logged and do not stop the watcher.
type Sink func(ctx context.Context, path string) error

// InboxWatcher ingests image files that appear in a directory.
type InboxWatcher struct {
	dir     string
	sink    Sink
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	ingested atomic.Uint64
	failed   atomic.Uint64
	// ready is closed once the directory is being watched.
	ready chan struct{}
}

// NewInboxWatcher validates dir and creates a watcher for it.
func NewInboxWatcher(dir string, sink Sink, opts Options, logger *slog.Logger) (*InboxWatcher, error) {
	if sink == nil {
		return nil, errors.New("watcher: sink is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("inbox %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", abs)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts = opts.WithDefaults()
	limit := rate.Inf
	if opts.IngestPerSecond > 0 {
		limit = rate.Limit(opts.IngestPerSecond)
	}
	return &InboxWatcher{
		dir:     abs,
		sink:    sink,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(slog.String("inbox", abs)),
		ready:   make(chan struct{}),
	}, nil
}

// Dir returns the absolute inbox path.
func (w *InboxWatcher) Dir() string { return w.dir }

// Ready is closed once events are being received.
func (w *InboxWatcher) Ready() <-chan struct{} { return w.ready }

// Ingested returns how many files the sink accepted.
func (w *InboxWatcher) Ingested() uint64 { return w.ingested.Load() }

// Failed returns how many sink calls returned an error.
func (w *InboxWatcher) Failed() uint64 { return w.failed.Load() }

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *InboxWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	deb := NewDebouncer(w.opts.Debounce, w.logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for batch := range deb.Output() {
			w.ingest(gctx, batch)
		}
		return nil
	})

	g.Go(func() error {
		defer deb.Stop()
		if w.opts.ScanExisting {
			w.scanExisting(deb)
		}
		close(w.ready)
		w.logger.Info("inbox_watch_started")
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if fe, keep := w.translate(ev); keep {
					deb.Add(fe)
				}
			case werr, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				w.logger.Warn("inbox_watch_error", slog.String("error", werr.Error()))
			}
		}
	})

	err = g.Wait()
	w.logger.Info("inbox_watch_stopped",
		slog.Uint64("ingested", w.ingested.Load()),
		slog.Uint64("failed", w.failed.Load()))
	return err
}

// translate maps an fsnotify event onto a FileEvent for an image path.
func (w *InboxWatcher) translate(ev fsnotify.Event) (FileEvent, bool) {
	if !isImage(ev.Name, w.opts.Extensions) {
		return FileEvent{}, false
	}
	fe := FileEvent{Path: ev.Name, Timestamp: time.Now()}
	switch {
	case ev.Has(fsnotify.Create):
		fe.Operation = OpCreate
	case ev.Has(fsnotify.Write):
		fe.Operation = OpModify
	case ev.Has(fsnotify.Remove):
		fe.Operation = OpDelete
	case ev.Has(fsnotify.Rename):
		// fsnotify reports the old name; the new name arrives as Create.
		fe.Operation = OpRename
	default:
		return FileEvent{}, false
	}
	return fe, true
}

func (w *InboxWatcher) scanExisting(deb *Debouncer) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("inbox_scan_failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.Type().IsRegular() && isImage(path, w.opts.Extensions) {
			deb.Add(FileEvent{Path: path, Operation: OpCreate, Timestamp: time.Now()})
		}
	}
}

// ingest hands every created or modified file in batch to the sink.
func (w *InboxWatcher) ingest(ctx context.Context, batch []FileEvent) {
	paths := make([]string, 0, len(batch))
	for _, ev := range batch {
		if ev.Operation == OpCreate || ev.Operation == OpModify {
			paths = append(paths, ev.Path)
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := w.sink(ctx, path); err != nil {
			w.failed.Add(1)
			w.logger.Warn("inbox_ingest_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		w.ingested.Add(1)
		w.logger.Debug("inbox_ingested", slog.String("path", path))
	}
}
