// Package app builds the imgsift process context: one value holding the
// stores, queue, resource manager, stages and services, constructed once
// from configuration and handed to commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/Aman-CERP/imgsift/internal/cluster"
	"github.com/Aman-CERP/imgsift/internal/config"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/metrics"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
	"github.com/Aman-CERP/imgsift/internal/queue"
	"github.com/Aman-CERP/imgsift/internal/resource"
	"github.com/Aman-CERP/imgsift/internal/search"
	"github.com/Aman-CERP/imgsift/internal/stage"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Options adjusts how the App is built.
type Options struct {
	// Offline forces the static model backend with no optional stages.
	Offline bool
	Logger  *slog.Logger
	// Registry receives the metrics. Nil creates a private registry.
	Registry *prometheus.Registry
	// Fs is used for the object store and local file ingest. Nil means the
	// OS filesystem.
	Fs afero.Fs
}

// App is the process context.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Records   store.RecordStore
	Objects   store.ObjectStore
	Queue     queue.Queue
	Resources *resource.Manager
	Stages    *stage.Set
	Analyzer  *pipeline.Analyzer
	Ingester  *pipeline.Ingester
	Clusterer *cluster.Service

	mu       sync.Mutex
	keywords *search.KeywordIndex
	hnsw     *search.HNSWIndex
	closers  []func() error
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if opts.Offline {
		c := *cfg
		c.Models.Backend = stage.BackendStatic
		c.Models.CaptionBackend = "none"
		c.Models.DetectEnabled = false
		c.Models.OCREnabled = false
		cfg = &c
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	a := &App{Config: cfg, Logger: logger, Registry: registry}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Metrics, err = metrics.NewMetrics(registry); err != nil {
		return nil, err
	}

	dims := cfg.Models.EmbeddingDim
	if a.Records, err = store.Open(ctx, cfg.Database, dims); err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	a.closers = append(a.closers, a.Records.Close)

	if a.Objects, err = store.NewFileObjectStore(fs, cfg.Storage.ObjectsRoot); err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	if a.Queue, err = openQueue(ctx, cfg.Queue); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Queue.Close)

	gateOpts := []resource.GateOption{resource.WithWaitObserver(a.Metrics.ObserveGateWait)}
	if cfg.Worker.LockFile != "" {
		gateOpts = append(gateOpts, resource.WithLockFile(cfg.Worker.LockFile))
	}
	a.Resources = resource.NewManager(
		resource.UseGate(resource.NewGate(gateOpts...)),
		resource.WithLoadObserver(a.Metrics.ObserveModelLoad),
	)
	a.closers = append(a.closers, a.Resources.Close)

	if a.Stages, err = stage.NewSet(cfg.Models, a.Resources, logger); err != nil {
		return nil, fmt.Errorf("failed to configure stages: %w", err)
	}

	a.Analyzer, err = pipeline.NewAnalyzer(a.Records, a.Objects, a.Stages,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(a.Metrics),
		pipeline.WithMaxPixels(cfg.Pipeline.MaxImagePixels),
		pipeline.WithIndexHook(a.indexRecord))
	if err != nil {
		return nil, err
	}

	a.Ingester = pipeline.NewIngester(a.Records, a.Objects, a.Queue, pipeline.IngestLimits{
		MaxBytes:   cfg.MaxUploadBytes(),
		MaxFiles:   cfg.Pipeline.MaxBulkFiles,
		JobTimeout: cfg.Worker.JobTimeout,
	}, fs, logger)

	a.Clusterer = cluster.NewService(a.Records, cfg.Cluster,
		cluster.WithLogger(logger),
		cluster.WithRunObserver(a.Metrics.ObserveClusterRun))

	logger.Debug("app_ready",
		slog.String("database", cfg.Database.Driver),
		slog.String("queue", cfg.Queue.Backend),
		slog.String("models", cfg.Models.Backend),
		slog.Int("dims", dims))
	return a, nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case QueueMemory, "":
		return queue.NewMemoryQueue(0), nil
	case QueueRedis:
		q, err := queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.Name, cfg.ResultTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// InProcessQueue reports whether jobs only live in this process, so
// whoever enqueues must also run them.
func (a *App) InProcessQueue() bool {
	_, ok := a.Queue.(*queue.MemoryQueue)
	return ok
}

// KeywordIndex opens the keyword index on first use.
func (a *App) KeywordIndex() (*search.KeywordIndex, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keywords != nil {
		return a.keywords, nil
	}
	k, err := search.OpenKeywordIndex(a.Config.Search.KeywordIndexPath, a.Logger)
	if err != nil {
		return nil, err
	}
	a.keywords = k
	a.closers = append(a.closers, k.Close)
	return k, nil
}

// CandidateIndex builds the HNSW index from the record store on first use.
// It returns nil when search.index is not "hnsw".
func (a *App) CandidateIndex(ctx context.Context) (*search.HNSWIndex, error) {
	if a.Config.Search.Index != "hnsw" {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hnsw != nil {
		return a.hnsw, nil
	}
	x := search.NewHNSWIndex(a.Stages.Image.Dimensions())
	n, err := x.Rebuild(ctx, a.Records)
	if err != nil {
		return nil, fmt.Errorf("failed to build vector index: %w", err)
	}
	a.Logger.Info("vector_index_built", slog.Int("records", n))
	a.hnsw = x
	return x, nil
}

// SearchEngine builds a search engine. The keyword index is attached when
// withKeywords is set.
func (a *App) SearchEngine(ctx context.Context, withKeywords bool) (*search.Engine, error) {
	opts := []search.EngineOption{
		search.WithLogger(a.Logger),
		search.WithObserver(a.Metrics.ObserveSearch),
	}
	x, err := a.CandidateIndex(ctx)
	if err != nil {
		return nil, err
	}
	if x != nil {
		opts = append(opts, search.WithCandidateIndex(x))
	}
	if withKeywords {
		k, err := a.KeywordIndex()
		if err != nil {
			return nil, err
		}
		opts = append(opts, search.WithKeywordIndex(k))
	}
	return search.NewEngine(a.Records, a.Stages.Text, a.Config.Search, opts...), nil
}

// indexRecord keeps the secondary indexes that are open in this process
// current with a newly indexed record.
func (a *App) indexRecord(_ context.Context, rec *media.Record) {
	a.mu.Lock()
	k, x := a.keywords, a.hnsw
	a.mu.Unlock()

	if k != nil {
		if err := k.Index(rec); err != nil {
			a.Logger.Warn("keyword_index_update_failed", slog.String("media_id", rec.ID), slog.String("error", err.Error()))
		}
	}
	if x != nil {
		if err := x.Add(rec.ID, rec.Embedding); err != nil {
			a.Logger.Warn("vector_index_update_failed", slog.String("media_id", rec.ID), slog.String("error", err.Error()))
		}
	}
}

// unindexRecord drops id from the open secondary indexes.
func (a *App) unindexRecord(id string) {
	a.mu.Lock()
	k, x := a.keywords, a.hnsw
	a.mu.Unlock()

	if k != nil {
		if err := k.Delete(id); err != nil {
			a.Logger.Warn("keyword_index_delete_failed", slog.String("media_id", id), slog.String("error", err.Error()))
		}
	}
	if x != nil {
		x.Delete(id)
	}
}

// Close releases everything in reverse order of opening.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
