package stage

import (
	"context"
	"image"

	"github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/resource"
)

// guard loads a backend once through the resource manager and runs every
// inference call on it inside the manager's gate.
type guard[T any] struct {
	mgr    *resource.Manager
	name   string
	loader func(context.Context) (T, error)
}

func (g guard[T]) run(ctx context.Context, fn func(T) error) error {
	backend, err := resource.Load(ctx, g.mgr, g.name, g.loader)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(errors.ErrCodeModelLoad, "failed to load "+g.name, err)
	}
	return g.mgr.WithGate(ctx, func() error {
		return fn(backend)
	})
}

// GuardedDetector is a Detector behind the resource manager.
type GuardedDetector struct{ g guard[Detector] }

// NewGuardedDetector wraps a lazily loaded detector.
func NewGuardedDetector(mgr *resource.Manager, name string, loader func(context.Context) (Detector, error)) *GuardedDetector {
	return &GuardedDetector{g: guard[Detector]{mgr: mgr, name: name, loader: loader}}
}

// Detect runs detection inside the gate.
func (d *GuardedDetector) Detect(ctx context.Context, img image.Image) ([]media.Detection, error) {
	var out []media.Detection
	err := d.g.run(ctx, func(b Detector) error {
		var err error
		out, err = b.Detect(ctx, img)
		return err
	})
	return out, err
}

// GuardedCaptioner is a Captioner behind the resource manager.
type GuardedCaptioner struct{ g guard[Captioner] }

// NewGuardedCaptioner wraps a lazily loaded captioner.
func NewGuardedCaptioner(mgr *resource.Manager, name string, loader func(context.Context) (Captioner, error)) *GuardedCaptioner {
	return &GuardedCaptioner{g: guard[Captioner]{mgr: mgr, name: name, loader: loader}}
}

// Caption runs captioning inside the gate.
func (c *GuardedCaptioner) Caption(ctx context.Context, img image.Image) (string, error) {
	var out string
	err := c.g.run(ctx, func(b Captioner) error {
		var err error
		out, err = b.Caption(ctx, img)
		return err
	})
	return out, err
}

// GuardedTextExtractor is a TextExtractor behind the resource manager.
type GuardedTextExtractor struct{ g guard[TextExtractor] }

// NewGuardedTextExtractor wraps a lazily loaded OCR backend.
func NewGuardedTextExtractor(mgr *resource.Manager, name string, loader func(context.Context) (TextExtractor, error)) *GuardedTextExtractor {
	return &GuardedTextExtractor{g: guard[TextExtractor]{mgr: mgr, name: name, loader: loader}}
}

// ExtractText runs OCR inside the gate.
func (t *GuardedTextExtractor) ExtractText(ctx context.Context, img image.Image) (media.OCRResult, error) {
	var out media.OCRResult
	err := t.g.run(ctx, func(b TextExtractor) error {
		var err error
		out, err = b.ExtractText(ctx, img)
		return err
	})
	return out, err
}

// GuardedImageEmbedder is an ImageEmbedder behind the resource manager.
// Dimensions and model name are known up front so callers can check them
// without forcing a load.
type GuardedImageEmbedder struct {
	g     guard[ImageEmbedder]
	dims  int
	model string
}

// NewGuardedImageEmbedder wraps a lazily loaded image embedder.
func NewGuardedImageEmbedder(mgr *resource.Manager, name string, dims int, model string, loader func(context.Context) (ImageEmbedder, error)) *GuardedImageEmbedder {
	return &GuardedImageEmbedder{g: guard[ImageEmbedder]{mgr: mgr, name: name, loader: loader}, dims: dims, model: model}
}

// EmbedImage embeds inside the gate.
func (e *GuardedImageEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	var out []float32
	err := e.g.run(ctx, func(b ImageEmbedder) error {
		var err error
		out, err = b.EmbedImage(ctx, img)
		return err
	})
	return out, err
}

// Dimensions returns the configured width.
func (e *GuardedImageEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model.
func (e *GuardedImageEmbedder) ModelName() string { return e.model }

// GuardedTextEmbedder is a TextEmbedder behind the resource manager.
type GuardedTextEmbedder struct {
	g     guard[TextEmbedder]
	dims  int
	model string
}

// NewGuardedTextEmbedder wraps a lazily loaded text embedder.
func NewGuardedTextEmbedder(mgr *resource.Manager, name string, dims int, model string, loader func(context.Context) (TextEmbedder, error)) *GuardedTextEmbedder {
	return &GuardedTextEmbedder{g: guard[TextEmbedder]{mgr: mgr, name: name, loader: loader}, dims: dims, model: model}
}

// EmbedText embeds inside the gate.
func (e *GuardedTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.g.run(ctx, func(b TextEmbedder) error {
		var err error
		out, err = b.EmbedText(ctx, text)
		return err
	})
	return out, err
}

// Dimensions returns the configured width.
func (e *GuardedTextEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model.
func (e *GuardedTextEmbedder) ModelName() string { return e.model }
