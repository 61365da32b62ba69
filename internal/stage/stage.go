// Package stage holds the analysis stages the pipeline runs over a decoded
// image: object detection, captioning, text extraction and embedding.
//
// Every stage is an interface so the pipeline can run against a model
// sidecar, an offline static backend, or test fakes.
package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// Detector finds objects in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]media.Detection, error)
}

// Captioner describes an image in one sentence.
type Captioner interface {
	Caption(ctx context.Context, img image.Image) (string, error)
}

// TextExtractor runs OCR over an image.
type TextExtractor interface {
	ExtractText(ctx context.Context, img image.Image) (media.OCRResult, error)
}

// ImageEmbedder maps an image into the shared embedding space.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
	Dimensions() int
	ModelName() string
}

// TextEmbedder maps text into the same space as ImageEmbedder.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	ModelName() string
}

// Set is the full collection of stages used by the pipeline. Detector,
// Captioner and OCR are optional; a nil stage yields its empty default.
type Set struct {
	Detector  Detector
	Captioner Captioner
	OCR       TextExtractor
	Image     ImageEmbedder
	Text      TextEmbedder
}

// Validate checks that the required embedders are present and agree on
// dimensions.
func (s *Set) Validate() error {
	if s.Image == nil || s.Text == nil {
		return fmt.Errorf("image and text embedders are required")
	}
	if s.Image.Dimensions() != s.Text.Dimensions() {
		return media.DimensionError{Expected: s.Image.Dimensions(), Got: s.Text.Dimensions()}
	}
	return nil
}

// jpegQuality is used when shipping images to a model service.
const jpegQuality = 90

// EncodeJPEG encodes img for transport as base64 JPEG.
func EncodeJPEG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
