package stage

import (
	"image"
	"image/color"
	"time"

	"github.com/Aman-CERP/imgsift/internal/errors"
)

// solidImage returns a w x h image filled with c.
func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		RetryIf:      errors.IsRetryable,
	}
}
