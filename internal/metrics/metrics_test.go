package metrics

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/cluster"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
)

func newMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestNewMetrics_DoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetrics(registry)
	require.NoError(t, err)

	_, err = NewMetrics(registry)
	assert.Error(t, err)
}

func TestStageDone(t *testing.T) {
	m := newMetrics(t)

	m.StageDone(pipeline.StageCaption, 20*time.Millisecond, nil)
	m.StageDone(pipeline.StageCaption, 30*time.Millisecond, errors.New("timeout"))
	m.StageDone(pipeline.StageDetect, 10*time.Millisecond, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.stageErrors.WithLabelValues(pipeline.StageCaption)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.stageErrors.WithLabelValues(pipeline.StageDetect)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestAnalysisDone(t *testing.T) {
	m := newMetrics(t)

	m.AnalysisDone(media.StatusIndexed, time.Second)
	m.AnalysisDone(media.StatusIndexed, time.Second)
	m.AnalysisDone(media.StatusFailed, time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.analyses.WithLabelValues("indexed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.analyses.WithLabelValues("failed")))
}

func TestObserveJobAndModelLoad(t *testing.T) {
	m := newMetrics(t)

	m.ObserveJob("analyze", time.Second, nil)
	m.ObserveJob("analyze", time.Second, errors.New("boom"))
	m.ObserveModelLoad("clip", time.Second, nil)
	m.ObserveGateWait(5 * time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobs.WithLabelValues("analyze", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobs.WithLabelValues("analyze", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.modelLoads.WithLabelValues("clip", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.gateWait))
}

func TestObserveClusterRun_GaugesKeepLastSuccess(t *testing.T) {
	m := newMetrics(t)

	m.ObserveClusterRun(cluster.Info{NClusters: 3, NoisePoints: 2}, time.Second, nil)
	m.ObserveClusterRun(cluster.Info{}, time.Second, errors.New("failed"))

	assert.Equal(t, float64(3), testutil.ToFloat64(m.clusters))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.noisePoints))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.clusterRuns.WithLabelValues("error")))
}

func TestObserveSearch(t *testing.T) {
	m := newMetrics(t)

	m.ObserveSearch("vector", time.Millisecond, 4, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.searches.WithLabelValues("vector", "success")))
}

func TestHandler_ServesTextFormat(t *testing.T) {
	m := newMetrics(t)
	m.ObserveJob("cluster", time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler(slog.New(slog.NewTextHandler(io.Discard, nil))).
		ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `imgsift_jobs_total{kind="cluster",outcome="success"} 1`))
}
