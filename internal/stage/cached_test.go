package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingText struct {
	calls atomic.Int32
	model string
	fail  bool
}

func (c *countingText) EmbedText(_ context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("model down")
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingText) Dimensions() int   { return 2 }
func (c *countingText) ModelName() string { return c.model }

func TestCachedTextEmbedder_HitsCache(t *testing.T) {
	inner := &countingText{model: "m"}
	c := NewCachedTextEmbedder(inner, 10)

	v1, err := c.EmbedText(context.Background(), "sunset")
	require.NoError(t, err)
	v2, err := c.EmbedText(context.Background(), "sunset")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCachedTextEmbedder_ErrorsNotCached(t *testing.T) {
	inner := &countingText{model: "m", fail: true}
	c := NewCachedTextEmbedder(inner, 10)

	_, err := c.EmbedText(context.Background(), "x")
	require.Error(t, err)
	_, err = c.EmbedText(context.Background(), "x")
	require.Error(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCachedTextEmbedder_KeyIncludesModel(t *testing.T) {
	a := NewCachedTextEmbedder(&countingText{model: "a"}, 10)
	b := NewCachedTextEmbedder(&countingText{model: "b"}, 10)
	assert.NotEqual(t, a.cacheKey("q"), b.cacheKey("q"))
}
