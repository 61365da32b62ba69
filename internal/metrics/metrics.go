// Package metrics provides the Prometheus collectors for imgsift: analysis
// stages, jobs, the accelerator gate, model loads, clustering runs and
// searches.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/imgsift/internal/cluster"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
)

const namespace = "imgsift"

// Outcome label values.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics holds every collector. It implements pipeline.Observer and
// provides callbacks for the worker, gate, resource manager, clusterer and
// search engine.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageErrors     *prometheus.CounterVec
	analyses        *prometheus.CounterVec
	analysisSeconds prometheus.Histogram
	jobs            *prometheus.CounterVec
	jobSeconds      *prometheus.HistogramVec
	gateWait        prometheus.Histogram
	modelLoads      *prometheus.CounterVec
	modelLoadTime   *prometheus.HistogramVec
	clusterRuns     *prometheus.CounterVec
	clusters        prometheus.Gauge
	noisePoints     prometheus.Gauge
	searches        *prometheus.CounterVec
	searchSeconds   *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of analysis stages.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	m.stageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Analysis stage failures, including degraded optional stages.",
	}, []string{"stage"})

	m.analyses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analyses_total",
		Help:      "Completed analyses by final status.",
	}, []string{"status"})

	m.analysisSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end analysis duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	m.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Jobs run by the worker pool.",
	}, []string{"kind", "outcome"})

	m.jobSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job duration including queue handling.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})

	m.gateWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_wait_seconds",
		Help:      "Time spent waiting for the accelerator gate.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	m.modelLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_loads_total",
		Help:      "Model loader invocations.",
	}, []string{"model", "outcome"})

	m.modelLoadTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_load_duration_seconds",
		Help:      "Model loader duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"model"})

	m.clusterRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cluster_runs_total",
		Help:      "Clustering runs.",
	}, []string{"outcome"})

	m.clusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clusters",
		Help:      "Clusters found by the last successful run.",
	})

	m.noisePoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_noise_points",
		Help:      "Unassigned records after the last successful run.",
	})

	m.searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "searches_total",
		Help:      "Searches by mode and outcome.",
	}, []string{"mode", "outcome"})

	m.searchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_duration_seconds",
		Help:      "Search duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"mode"})
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeSuccess
}

// StageDone implements pipeline.Observer.
func (m *Metrics) StageDone(stage string, d time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

// AnalysisDone implements pipeline.Observer.
func (m *Metrics) AnalysisDone(status media.Status, d time.Duration) {
	m.analyses.WithLabelValues(string(status)).Inc()
	m.analysisSeconds.Observe(d.Seconds())
}

// ObserveJob matches queue.WithJobObserver.
func (m *Metrics) ObserveJob(kind string, d time.Duration, err error) {
	m.jobs.WithLabelValues(kind, outcome(err)).Inc()
	m.jobSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveGateWait matches resource.WithWaitObserver.
func (m *Metrics) ObserveGateWait(wait time.Duration) {
	m.gateWait.Observe(wait.Seconds())
}

// ObserveModelLoad matches resource.WithLoadObserver.
func (m *Metrics) ObserveModelLoad(name string, d time.Duration, err error) {
	m.modelLoads.WithLabelValues(name, outcome(err)).Inc()
	m.modelLoadTime.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveClusterRun matches cluster.WithRunObserver. Gauges keep the last
// successful run.
func (m *Metrics) ObserveClusterRun(info cluster.Info, _ time.Duration, err error) {
	m.clusterRuns.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	m.clusters.Set(float64(info.NClusters))
	m.noisePoints.Set(float64(info.NoisePoints))
}

// ObserveSearch matches search.WithObserver.
func (m *Metrics) ObserveSearch(mode string, d time.Duration, _ int, err error) {
	m.searches.WithLabelValues(mode, outcome(err)).Inc()
	m.searchSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler(logger *slog.Logger) http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.stageDuration, m.stageErrors, m.analyses, m.analysisSeconds,
		m.jobs, m.jobSeconds, m.gateWait, m.modelLoads, m.modelLoadTime,
		m.clusterRuns, m.clusters, m.noisePoints, m.searches, m.searchSeconds,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
