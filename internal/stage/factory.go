package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/imgsift/internal/config"
	"github.com/Aman-CERP/imgsift/internal/resource"
)

// Resource names registered with the manager.
const (
	ResourceSidecar   = "sidecar"
	ResourceCaptioner = "captioner"
	ResourceStatic    = "static"
)

// Backend values for models.backend.
const (
	BackendSidecar = "sidecar"
	BackendStatic  = "static"
)

// NewSet builds the stage set described by cfg. Backends load lazily on
// first use through mgr; no network call happens here.
func NewSet(cfg config.ModelsConfig, mgr *resource.Manager, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{}

	switch cfg.Backend {
	case BackendSidecar, "":
		sc := NewSidecarClient(SidecarConfig{
			URL:               cfg.SidecarURL,
			DetectModel:       cfg.DetectModel,
			DetectConfidence:  cfg.DetectConfidence,
			EmbeddingModel:    cfg.EmbeddingModel,
			Dimensions:        cfg.EmbeddingDim,
			RequestTimeout:    cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, logger)
		load := func(ctx context.Context) (*SidecarClient, error) {
			if err := sc.Health(ctx); err != nil {
				return nil, err
			}
			return sc, nil
		}

		if cfg.DetectEnabled {
			set.Detector = NewGuardedDetector(mgr, ResourceSidecar, func(ctx context.Context) (Detector, error) { return load(ctx) })
		}
		if cfg.OCREnabled {
			set.OCR = NewGuardedTextExtractor(mgr, ResourceSidecar, func(ctx context.Context) (TextExtractor, error) { return load(ctx) })
		}
		set.Image = NewGuardedImageEmbedder(mgr, ResourceSidecar, sc.Dimensions(), sc.ModelName(),
			func(ctx context.Context) (ImageEmbedder, error) { return load(ctx) })
		set.Text = NewGuardedTextEmbedder(mgr, ResourceSidecar, sc.Dimensions(), sc.ModelName(),
			func(ctx context.Context) (TextEmbedder, error) { return load(ctx) })

		if cfg.CaptionBackend == "sidecar" {
			set.Captioner = NewGuardedCaptioner(mgr, ResourceSidecar, func(ctx context.Context) (Captioner, error) { return load(ctx) })
		}

	case BackendStatic:
		img := NewStaticImageEmbedder(cfg.EmbeddingDim)
		txt := NewStaticTextEmbedder(cfg.EmbeddingDim)
		set.Image = NewGuardedImageEmbedder(mgr, ResourceStatic+"-image", img.Dimensions(), img.ModelName(),
			func(context.Context) (ImageEmbedder, error) { return img, nil })
		set.Text = NewGuardedTextEmbedder(mgr, ResourceStatic+"-text", txt.Dimensions(), txt.ModelName(),
			func(context.Context) (TextEmbedder, error) { return txt, nil })

	default:
		return nil, fmt.Errorf("unknown models backend %q", cfg.Backend)
	}

	if cfg.CaptionBackend == "ollama" {
		oc := NewOllamaCaptioner(OllamaConfig{
			Host:    cfg.OllamaHost,
			Model:   cfg.CaptionModel,
			Timeout: cfg.RequestTimeout,
		}, logger)
		set.Captioner = NewGuardedCaptioner(mgr, ResourceCaptioner, func(context.Context) (Captioner, error) { return oc, nil })
	}

	set.Text = NewCachedTextEmbedder(set.Text, cfg.QueryCacheSize)

	if err := set.Validate(); err != nil {
		return nil, err
	}
	logger.Info("stages_configured",
		slog.String("backend", cfg.Backend),
		slog.String("caption_backend", cfg.CaptionBackend),
		slog.Bool("detect", set.Detector != nil),
		slog.Bool("ocr", set.OCR != nil),
		slog.Int("dims", set.Image.Dimensions()))
	return set, nil
}
