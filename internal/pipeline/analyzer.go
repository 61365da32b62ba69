// Package pipeline turns an uploaded image into an indexed media record.
//
// Analyze drives one record through pending -> processing -> indexed or
// failed. Decode and embedding failures are fatal for the record; detection,
// captioning, OCR and EXIF failures degrade to empty values and are logged.
// The pipeline never retries and has no timeout of its own: the job
// dispatcher owns both.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/stage"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Stage names reported to the Observer and in logs.
const (
	StageDecode  = "decode"
	StageEXIF    = "exif"
	StageDetect  = "detect"
	StageCaption = "caption"
	StageOCR     = "ocr"
	StageEmbed   = "embed"
)

// failureWriteTimeout bounds the durable write of a failed status after the
// job context is gone.
const failureWriteTimeout = 10 * time.Second

// Observer receives timings for metrics.
type Observer interface {
	StageDone(stage string, d time.Duration, err error)
	AnalysisDone(status media.Status, d time.Duration)
}

// IndexHook is called with every record that reaches indexed. Secondary
// indexes use it to stay current.
type IndexHook func(ctx context.Context, rec *media.Record)

// Analyzer runs the analysis state machine.
type Analyzer struct {
	records  store.RecordStore
	objects  store.ObjectStore
	stages   *stage.Set
	dims     int
	logger   *slog.Logger
	observer Observer
	hooks    []IndexHook
	now      func() time.Time

	maxPixels int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithObserver reports stage and job timings to o.
func WithObserver(o Observer) Option {
	return func(a *Analyzer) { a.observer = o }
}

// WithIndexHook adds a hook run after a record is indexed.
func WithIndexHook(h IndexHook) Option {
	return func(a *Analyzer) { a.hooks = append(a.hooks, h) }
}

// WithMaxPixels rejects images whose header declares more than n pixels.
func WithMaxPixels(n int) Option {
	return func(a *Analyzer) { a.maxPixels = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an Analyzer. The image and text embedders in stages
// are required and must agree on dimensions.
func NewAnalyzer(records store.RecordStore, objects store.ObjectStore, stages *stage.Set, opts ...Option) (*Analyzer, error) {
	if stages == nil {
		return nil, fmt.Errorf("stage set is required")
	}
	if err := stages.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{
		records: records,
		objects: objects,
		stages:  stages,
		dims:    stages.Image.Dimensions(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze processes the record with the given id and returns it in its
// terminal state. When the record ends failed the returned error is the
// cause; the failed status and message are already persisted by then.
func (a *Analyzer) Analyze(ctx context.Context, id string) (rec *media.Record, err error) {
	rec, err = a.records.GetMedia(ctx, id)
	if err != nil {
		return nil, err
	}

	start := a.now()
	processing := media.StatusProcessing
	if err := a.records.UpdateMedia(ctx, id, media.Update{Status: &processing}); err != nil {
		return nil, fmt.Errorf("failed to mark %s processing: %w", id, err)
	}
	rec.Status = processing
	a.logger.Info("analysis_started", slog.String("media_id", id), slog.String("storage_key", rec.StorageKey))

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("analysis_panic",
				slog.String("media_id", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = siftErrors.New(siftErrors.ErrCodeInternal, fmt.Sprintf("analysis panicked: %v", r), nil)
			rec = a.fail(ctx, rec, err)
		}
		if a.observer != nil {
			a.observer.AnalysisDone(rec.Status, a.now().Sub(start))
		}
	}()

	if err := a.process(ctx, rec); err != nil {
		return a.fail(ctx, rec, err), err
	}

	indexed := media.StatusIndexed
	processedAt := a.now().UTC()
	cleared := ""
	if err := a.records.UpdateMedia(ctx, id, media.Update{
		Status:       &indexed,
		Width:        &rec.Width,
		Height:       &rec.Height,
		Metadata:     &rec.Metadata,
		Embedding:    rec.Embedding,
		ErrorMessage: &cleared,
		ProcessedAt:  &processedAt,
	}); err != nil {
		err = fmt.Errorf("failed to store analysis of %s: %w", id, err)
		return a.fail(ctx, rec, err), err
	}
	rec.Status = indexed
	rec.ErrorMessage = ""
	rec.ProcessedAt = &processedAt

	a.logger.Info("analysis_completed",
		slog.String("media_id", id),
		slog.Int("objects", len(rec.Metadata.Objects)),
		slog.Bool("caption", rec.Metadata.Caption != ""),
		slog.Bool("ocr", rec.Metadata.OCRText != ""),
		slog.Duration("duration", a.now().Sub(start)))

	for _, h := range a.hooks {
		h(ctx, rec)
	}
	return rec, nil
}

// process runs every stage and fills rec. Only fatal errors are returned.
func (a *Analyzer) process(ctx context.Context, rec *media.Record) error {
	var (
		data []byte
		img  *Decoded
	)
	err := a.timed(StageDecode, func() error {
		var err error
		if data, err = a.objects.Get(ctx, rec.StorageKey); err != nil {
			return err
		}
		img, err = Decode(data, a.maxPixels)
		return err
	})
	if err != nil {
		return err
	}
	rec.Metadata = media.EmptyMetadata()
	_ = a.timed(StageEXIF, func() error {
		exifData, err := safeEXIF(data)
		if err != nil {
			a.logger.Debug("exif_unavailable", slog.String("media_id", rec.ID), slog.String("error", err.Error()))
			return nil
		}
		rec.Metadata.EXIF = exifData
		return nil
	})
	rec.Width, rec.Height = img.Width, img.Height

	if d := a.stages.Detector; d != nil {
		a.optional(ctx, rec.ID, StageDetect, func() error {
			dets, err := d.Detect(ctx, img.Image)
			if err != nil {
				return err
			}
			if dets != nil {
				rec.Metadata.Objects = dets
			}
			return nil
		})
	}
	if c := a.stages.Captioner; c != nil {
		a.optional(ctx, rec.ID, StageCaption, func() error {
			caption, err := c.Caption(ctx, img.Image)
			if err != nil {
				return err
			}
			rec.Metadata.Caption = caption
			return nil
		})
	}
	if o := a.stages.OCR; o != nil {
		a.optional(ctx, rec.ID, StageOCR, func() error {
			res, err := o.ExtractText(ctx, img.Image)
			if err != nil {
				return err
			}
			rec.Metadata.OCRText = res.Text
			if res.Blocks != nil {
				rec.Metadata.TextBlocks = res.Blocks
			}
			return nil
		})
	}

	return a.timed(StageEmbed, func() error {
		vec, err := a.embed(ctx, img, rec.Metadata)
		if err != nil {
			return err
		}
		rec.Embedding = vec
		return nil
	})
}

// embed computes the fused vector from the image, the caption and the
// detected object classes.
func (a *Analyzer) embed(ctx context.Context, img *Decoded, meta media.Metadata) ([]float32, error) {
	vImg, err := a.stages.Image.EmbedImage(ctx, img.Image)
	if err != nil {
		return nil, embedError("image embedding failed", err)
	}
	vCap, err := a.stages.Text.EmbedText(ctx, meta.Caption)
	if err != nil {
		return nil, embedError("caption embedding failed", err)
	}
	vObj, err := a.stages.Text.EmbedText(ctx, ObjectsText(meta.Objects))
	if err != nil {
		return nil, embedError("objects embedding failed", err)
	}
	fused, err := Fuse(a.dims, vImg, vCap, vObj)
	if err != nil {
		if siftErrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, siftErrors.New(siftErrors.ErrCodeDimensionMismatch, err.Error(), err)
	}
	return fused, nil
}

func embedError(msg string, err error) error {
	if siftErrors.GetCode(err) == siftErrors.ErrCodeDimensionMismatch {
		return err
	}
	return siftErrors.New(siftErrors.ErrCodeEmbeddingFailed, msg+": "+err.Error(), err)
}

// optional runs a degradable stage. Errors and panics are logged and the
// stage keeps its empty default.
func (a *Analyzer) optional(ctx context.Context, id, name string, fn func() error) {
	err := a.timed(name, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	})
	if err != nil {
		a.logger.Warn("stage_failed",
			slog.String("media_id", id),
			slog.String("stage", name),
			slog.String("error", err.Error()),
			slog.Bool("canceled", ctx.Err() != nil))
	}
}

func (a *Analyzer) timed(name string, fn func() error) error {
	start := a.now()
	err := fn()
	if a.observer != nil {
		a.observer.StageDone(name, a.now().Sub(start), err)
	}
	return err
}

// fail records cause on the record. The write survives cancellation of ctx
// so a timed-out job still leaves a visible failure.
func (a *Analyzer) fail(ctx context.Context, rec *media.Record, cause error) *media.Record {
	msg := cause.Error()
	failed := media.StatusFailed
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	if err := a.records.UpdateMedia(wctx, rec.ID, media.Update{
		Status:         &failed,
		ErrorMessage:   &msg,
		ClearEmbedding: true,
	}); err != nil {
		a.logger.Error("status_write_failed",
			slog.String("media_id", rec.ID),
			slog.String("error", err.Error()))
	}
	a.logger.Error("analysis_failed",
		slog.String("media_id", rec.ID),
		slog.String("code", siftErrors.GetCode(cause)),
		slog.String("error", msg))

	rec.Status = failed
	rec.ErrorMessage = msg
	rec.Embedding = nil
	return rec
}

// MarkFailed records a failure decided outside the pipeline, such as a job
// timeout. Records already in a terminal state are left alone.
func (a *Analyzer) MarkFailed(ctx context.Context, id string, cause error) error {
	rec, err := a.records.GetMedia(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	a.fail(ctx, rec, cause)
	return nil
}

// safeEXIF guards against panics in the EXIF parser on hostile input.
func safeEXIF(data []byte) (out media.EXIF, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = media.EXIF{Tags: map[string]string{}}
			err = fmt.Errorf("exif parser panicked: %v", r)
		}
	}()
	return ExtractEXIF(data)
}
