package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"strconv"

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// Decoded is an image in canonical form.
type Decoded struct {
	// Image is opaque RGBA with its origin at (0, 0).
	Image  *image.RGBA
	Format string
	Width  int
	Height int
}

// DefaultMaxPixels caps width*height when no limit is configured.
const DefaultMaxPixels = 89_478_485

// Decode parses data and flattens it onto a white background, so every
// stage sees the same opaque three-channel image whatever the source
// format, palette or alpha. The header is checked against maxPixels before
// any pixel buffer is allocated; maxPixels <= 0 means DefaultMaxPixels.
func Decode(data []byte, maxPixels int) (*Decoded, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeDecodeFailed, "failed to decode image", err)
	}
	if n := int64(cfg.Width) * int64(cfg.Height); n > int64(maxPixels) {
		return nil, siftErrors.New(siftErrors.ErrCodeDecodeFailed,
			fmt.Sprintf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, maxPixels), nil).
			WithDetail("pixels", strconv.FormatInt(n, 10))
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeDecodeFailed, "failed to decode image", err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, siftErrors.New(siftErrors.ErrCodeDecodeFailed, fmt.Sprintf("image has no pixels (%dx%d)", b.Dx(), b.Dy()), nil)
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)

	return &Decoded{Image: dst, Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}
