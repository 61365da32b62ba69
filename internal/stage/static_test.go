package stage

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/media"
)

func TestStaticTextEmbedder(t *testing.T) {
	e := NewStaticTextEmbedder(64)
	ctx := context.Background()

	a, err := e.EmbedText(ctx, "a cat sleeping on a sofa")
	require.NoError(t, err)
	b, err := e.EmbedText(ctx, "a cat sleeping on a sofa")
	require.NoError(t, err)
	c, err := e.EmbedText(ctx, "invoice total due")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.True(t, media.IsUnit(a))
	assert.Equal(t, a, b, "deterministic")
	assert.Less(t, media.Dot(a, c), media.Dot(a, b))
}

func TestStaticTextEmbedder_Blank(t *testing.T) {
	e := NewStaticTextEmbedder(16)
	v, err := e.EmbedText(context.Background(), "   ")
	require.NoError(t, err)
	assert.True(t, media.IsUnit(v))

	empty, err := e.EmbedText(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, v, empty)
}

func TestStaticImageEmbedder(t *testing.T) {
	e := NewStaticImageEmbedder(32)
	ctx := context.Background()

	red1, err := e.EmbedImage(ctx, solidImage(20, 20, color.RGBA{R: 250, A: 255}))
	require.NoError(t, err)
	red2, err := e.EmbedImage(ctx, solidImage(30, 10, color.RGBA{R: 240, G: 5, A: 255}))
	require.NoError(t, err)
	blue, err := e.EmbedImage(ctx, solidImage(20, 20, color.RGBA{B: 250, A: 255}))
	require.NoError(t, err)

	assert.True(t, media.IsUnit(red1))
	assert.Greater(t, media.Dot(red1, red2), media.Dot(red1, blue))

	again, err := NewStaticImageEmbedder(32).EmbedImage(ctx, solidImage(20, 20, color.RGBA{R: 250, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, red1, again, "projection is seeded")
}
