package stage

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

func newTestSidecar(t *testing.T, handler http.HandlerFunc, dims int) *SidecarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSidecarClient(SidecarConfig{
		URL:               srv.URL,
		Dimensions:        dims,
		RequestsPerSecond: 1000,
		Retry:             fastRetry(),
	}, nil)
}

func TestSidecar_Detect(t *testing.T) {
	var got detectRequest
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/detect", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "cat", "confidence": 0.91, "bbox": map[string]float64{"x1": 1, "y1": 2, "x2": 3, "y2": 4}},
			},
		})
	}, 4)

	dets, err := client.Detect(context.Background(), solidImage(4, 4, color.White))
	require.NoError(t, err)

	require.Len(t, dets, 1)
	assert.Equal(t, "cat", dets[0].Class)
	assert.Equal(t, media.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4}, dets[0].BBox)
	assert.Equal(t, DefaultDetectConfidence, got.Confidence)
	assert.NotEmpty(t, got.Image, "image is sent base64 encoded")
}

func TestSidecar_DetectEmptyIsNotNil(t *testing.T) {
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, 4)

	dets, err := client.Detect(context.Background(), solidImage(2, 2, color.Black))
	require.NoError(t, err)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestSidecar_EmbedText(t *testing.T) {
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embed/text", r.URL.Path)
		var req textRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "", req.Text)
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.5,0.5,0.5]}`))
	}, 4)

	vec, err := client.EmbedText(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vec)
}

func TestSidecar_EmbedDimensionMismatch(t *testing.T) {
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[1,0,0]}`))
	}, 4)

	_, err := client.EmbedImage(context.Background(), solidImage(2, 2, color.White))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDimensionMismatch))
}

func TestSidecar_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"caption":" a cat on a sofa "}`))
	}, 4)

	caption, err := client.Caption(context.Background(), solidImage(2, 2, color.White))
	require.NoError(t, err)
	assert.Equal(t, "a cat on a sofa", caption)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSidecar_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}, 4)

	_, err := client.ExtractText(context.Background(), solidImage(2, 2, color.White))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSidecar_OCR(t *testing.T) {
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"EXIT","blocks":[{"text":"EXIT","confidence":0.8,"bbox":{"x":1,"y":1,"width":10,"height":4}}]}`))
	}, 4)

	res, err := client.ExtractText(context.Background(), solidImage(2, 2, color.White))
	require.NoError(t, err)
	assert.Equal(t, "EXIT", res.Text)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, 10.0, res.Blocks[0].BBox.Width)
}

func TestSidecar_Health(t *testing.T) {
	client := newTestSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}, 4)
	require.NoError(t, client.Health(context.Background()))

	down := NewSidecarClient(SidecarConfig{URL: "http://127.0.0.1:1"}, nil)
	err := down.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeModelUnavailable))
}
