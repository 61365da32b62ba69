package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/config"
	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
	"github.com/Aman-CERP/imgsift/internal/queue"
	"github.com/Aman-CERP/imgsift/internal/search"
	"github.com/Aman-CERP/imgsift/internal/store"
)

const testDims = 32

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Database.Driver = "memory"
	cfg.Queue.Backend = QueueMemory
	cfg.Storage.ObjectsRoot = "/objects"
	cfg.Models.Backend = "static"
	cfg.Models.CaptionBackend = "none"
	cfg.Models.EmbeddingDim = testDims
	cfg.Search.KeywordIndexPath = ""
	cfg.Worker.LockFile = ""
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) (*App, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	a, err := New(context.Background(), cfg, Options{Fs: fs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, fs
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func ingest(t *testing.T, a *App, name string, c color.Color) *pipeline.IngestResult {
	t.Helper()
	res, err := a.Ingester.Ingest(context.Background(), pipeline.Upload{Filename: name, Data: pngBytes(t, c)})
	require.NoError(t, err)
	return res
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Offline(t *testing.T) {
	cfg := testConfig()
	cfg.Models.Backend = "sidecar"
	cfg.Models.DetectEnabled = true

	a, err := New(context.Background(), cfg, Options{Offline: true, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Nil(t, a.Stages.Detector)
	assert.Nil(t, a.Stages.Captioner)
	assert.Equal(t, testDims, a.Stages.Image.Dimensions())
	assert.Equal(t, "sidecar", cfg.Models.Backend, "caller config is not modified")
	assert.True(t, a.InProcessQueue())
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *config.Config)
	}{
		{"unknown database", func(c *config.Config) { c.Database.Driver = "oracle" }},
		{"unknown queue", func(c *config.Config) { c.Queue.Backend = "kafka" }},
		{"unknown models backend", func(c *config.Config) { c.Models.Backend = "magic" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)
			_, err := New(context.Background(), cfg, Options{Fs: afero.NewMemMapFs()})
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// Jobs
// ============================================================================

func TestIngestDrainSearch(t *testing.T) {
	// Given: an app with both secondary indexes open and two ingested images
	cfg := testConfig()
	cfg.Search.Index = "hnsw"
	a, _ := newApp(t, cfg)
	ctx := context.Background()
	k, err := a.KeywordIndex()
	require.NoError(t, err)
	x, err := a.CandidateIndex(ctx)
	require.NoError(t, err)
	require.NotNil(t, x)

	first := ingest(t, a, "red.png", color.RGBA{R: 255, A: 255})
	ingest(t, a, "blue.png", color.RGBA{B: 255, A: 255})

	// When: draining the in-process queue
	n, err := a.Drain(ctx)

	// Then: both jobs ran, the records are indexed and the indexes followed
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rec, err := a.Records.GetMedia(ctx, first.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatusIndexed, rec.Status)
	count, err := k.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, 2, x.Len())

	st, err := a.Queue.FetchStatus(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFinished, st.State)
	assert.Equal(t, string(media.StatusIndexed), st.Result)

	// And: a search with no threshold sees both
	engine, err := a.SearchEngine(ctx, false)
	require.NoError(t, err)
	floor := -1.0
	results, err := engine.Search(ctx, search.Request{Query: "anything", Threshold: &floor})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEnqueueCluster(t *testing.T) {
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ingest(t, a, "gray.png", color.Gray{Y: uint8(100 + i)})
	}
	_, err := a.Drain(ctx)
	require.NoError(t, err)

	id, err := a.EnqueueCluster(ctx)
	require.NoError(t, err)
	n, err := a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := a.Queue.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFinished, st.State)
	assert.Contains(t, st.Result, "clusters")
}

func TestDrainWithProgress_ReportsEachJob(t *testing.T) {
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	ingest(t, a, "a.png", color.White)
	ingest(t, a, "b.png", color.Black)

	var calls [][2]int
	n, err := a.DrainWithProgress(ctx, func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, calls)
}

func TestAnalyzeJobWithoutArgFails(t *testing.T) {
	a, _ := newApp(t, testConfig())

	_, err := a.handleAnalyze(context.Background(), &queue.Job{ID: "j1", Kind: queue.KindAnalyze})

	assert.Equal(t, siftErrors.ErrCodeInvalidInput, siftErrors.GetCode(err))
}

func TestJobTimeoutMarksRecordFailed(t *testing.T) {
	// Given: a pending record
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "slow.png", color.White)

	// When: the worker reports the job overran
	a.onJobTimeout(ctx, &queue.Job{ID: res.JobID, Kind: queue.KindAnalyze, Arg: res.Record.ID, Timeout: time.Second})

	// Then: the record carries the timeout
	rec, err := a.Records.GetMedia(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "timed out")
}

func TestJobTimeoutLeavesIndexedRecord(t *testing.T) {
	// Given: a record whose analysis finished
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "quick.png", color.White)
	_, err := a.Drain(ctx)
	require.NoError(t, err)

	// When: a late timeout report arrives for its job
	a.onJobTimeout(ctx, &queue.Job{ID: res.JobID, Kind: queue.KindAnalyze, Arg: res.Record.ID, Timeout: time.Second})

	// Then: the record keeps its result
	rec, err := a.Records.GetMedia(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatusIndexed, rec.Status)
	assert.NotEmpty(t, rec.Embedding)
}

// ============================================================================
// Gallery
// ============================================================================

func TestToggleLike(t *testing.T) {
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "like.png", color.White)

	rec, err := a.ToggleLike(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.True(t, rec.Liked)

	rec, err = a.ToggleLike(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.False(t, rec.Liked)
}

func TestDeleteMedia_RemovesRecordAndObject(t *testing.T) {
	// Given: an indexed record
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "gone.png", color.Black)
	_, err := a.Drain(ctx)
	require.NoError(t, err)

	// When: deleting it
	require.NoError(t, a.DeleteMedia(ctx, res.Record.ID))

	// Then: neither the row nor the bytes remain
	_, err = a.Records.GetMedia(ctx, res.Record.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = a.Objects.Get(ctx, res.Record.StorageKey)
	assert.ErrorIs(t, err, store.ErrObjectNotFound)

	assert.ErrorIs(t, a.DeleteMedia(ctx, res.Record.ID), store.ErrNotFound)
}

// brokenDeletes is an object store whose deletes always fail.
type brokenDeletes struct {
	store.ObjectStore
}

func (brokenDeletes) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

func TestDeleteMedia_ObjectFailureKeepsRecord(t *testing.T) {
	// Given: a stored record and an object store that cannot delete
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "stuck.png", color.Black)
	healthy := a.Objects
	a.Objects = brokenDeletes{ObjectStore: healthy}

	// When: deleting it
	err := a.DeleteMedia(ctx, res.Record.ID)

	// Then: the failure is reported and nothing is lost track of
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
	_, err = a.Records.GetMedia(ctx, res.Record.ID)
	require.NoError(t, err, "the record stays so the delete can be retried")
	_, err = healthy.Get(ctx, res.Record.StorageKey)
	require.NoError(t, err)

	// And: a retry with a working object store completes
	a.Objects = healthy
	require.NoError(t, a.DeleteMedia(ctx, res.Record.ID))
	_, err = a.Records.GetMedia(ctx, res.Record.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMedia_MissingObjectStillDeletesRecord(t *testing.T) {
	a, _ := newApp(t, testConfig())
	ctx := context.Background()
	res := ingest(t, a, "half.png", color.White)
	require.NoError(t, a.Objects.Delete(ctx, res.Record.StorageKey))

	require.NoError(t, a.DeleteMedia(ctx, res.Record.ID))

	_, err := a.Records.GetMedia(ctx, res.Record.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(), Options{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
