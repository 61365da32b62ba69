package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/stage"
	"github.com/Aman-CERP/imgsift/internal/store"
)

const testDims = 32

// pngBytes encodes a w x h image filled with c.
func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fixture is a memory store, an in-memory object store and a stage set built
// on the static embedders.
type fixture struct {
	records *store.MemoryStore
	objects *store.FileObjectStore
	stages  *stage.Set
	text    *recordingText
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects, err := store.NewFileObjectStore(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)
	text := &recordingText{inner: stage.NewStaticTextEmbedder(testDims)}
	return &fixture{
		records: store.NewMemoryStore(testDims),
		objects: objects,
		stages: &stage.Set{
			Image: stage.NewStaticImageEmbedder(testDims),
			Text:  text,
		},
		text: text,
	}
}

// seed stores data and creates a pending record pointing at it.
func (f *fixture) seed(t *testing.T, id string, data []byte) *media.Record {
	t.Helper()
	ctx := context.Background()
	key := id + ".png"
	_, err := f.objects.Put(ctx, data, key, "image/png")
	require.NoError(t, err)
	rec := &media.Record{
		ID:          id,
		ContentHash: "hash-" + id,
		StorageKey:  key,
		ContentType: "image/png",
		Size:        int64(len(data)),
		Status:      media.StatusPending,
		Metadata:    media.EmptyMetadata(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.records.CreateMedia(ctx, rec))
	return rec
}

func (f *fixture) analyzer(t *testing.T, opts ...Option) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(f.records, f.objects, f.stages, opts...)
	require.NoError(t, err)
	return a
}

// recordingText remembers every text it embedded.
type recordingText struct {
	inner stage.TextEmbedder
	mu    sync.Mutex
	texts []string
}

func (r *recordingText) EmbedText(ctx context.Context, text string) ([]float32, error) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return r.inner.EmbedText(ctx, text)
}

func (r *recordingText) Dimensions() int   { return r.inner.Dimensions() }
func (r *recordingText) ModelName() string { return r.inner.ModelName() }

func (r *recordingText) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type fakeDetector struct {
	dets []media.Detection
	err  error
}

func (f fakeDetector) Detect(context.Context, image.Image) ([]media.Detection, error) {
	return f.dets, f.err
}

type fakeCaptioner struct {
	caption string
	err     error
	panics  bool
}

func (f fakeCaptioner) Caption(context.Context, image.Image) (string, error) {
	if f.panics {
		panic("caption model crashed")
	}
	return f.caption, f.err
}

type fakeOCR struct {
	res media.OCRResult
	err error
}

func (f fakeOCR) ExtractText(context.Context, image.Image) (media.OCRResult, error) {
	return f.res, f.err
}

// fakeImage returns vec or err and reports testDims.
type fakeImage struct {
	vec    []float32
	err    error
	panics bool
	before func(ctx context.Context)
}

func (f fakeImage) EmbedImage(ctx context.Context, _ image.Image) ([]float32, error) {
	if f.before != nil {
		f.before(ctx)
	}
	if f.panics {
		panic("embedder crashed")
	}
	return f.vec, f.err
}

func (f fakeImage) Dimensions() int   { return testDims }
func (f fakeImage) ModelName() string { return "fake" }

// zeroText embeds every text as the zero vector.
type zeroText struct{}

func (zeroText) EmbedText(context.Context, string) ([]float32, error) {
	return make([]float32, testDims), nil
}

func (zeroText) Dimensions() int   { return testDims }
func (zeroText) ModelName() string { return "zero" }

var errStage = errors.New("stage exploded")

// countingObserver tallies observer callbacks.
type countingObserver struct {
	mu      sync.Mutex
	stages  map[string]int
	failed  map[string]int
	outcome []media.Status
}

func newCountingObserver() *countingObserver {
	return &countingObserver{stages: map[string]int{}, failed: map[string]int{}}
}

func (o *countingObserver) StageDone(name string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages[name]++
	if err != nil {
		o.failed[name]++
	}
}

func (o *countingObserver) AnalysisDone(status media.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcome = append(o.outcome, status)
}
