package stage

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/errors"
)

func TestOllamaCaptioner_Caption(t *testing.T) {
	// Given an Ollama server that answers generate requests
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"A dog running on a beach.\n","done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaCaptioner(OllamaConfig{Host: srv.URL, Retry: fastRetry()}, nil)

	// When captioning
	caption, err := c.Caption(context.Background(), solidImage(8, 8, color.White))

	// Then the trimmed response is returned and the request is non-streaming
	require.NoError(t, err)
	assert.Equal(t, "A dog running on a beach.", caption)
	assert.Equal(t, DefaultCaptionModel, got.Model)
	assert.Equal(t, DefaultCaptionPrompt, got.Prompt)
	assert.False(t, got.Stream)
	assert.Len(t, got.Images, 1)
}

func TestOllamaCaptioner_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaCaptioner(OllamaConfig{Host: srv.URL, Model: "nope", Retry: fastRetry()}, nil)
	_, err := c.Caption(context.Background(), solidImage(2, 2, color.White))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeModelLoad))
}
