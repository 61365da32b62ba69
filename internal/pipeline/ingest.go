package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/queue"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Upload is one image handed to the ingester.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IngestResult describes what happened to one upload.
type IngestResult struct {
	Path      string        `json:"path,omitempty"`
	Record    *media.Record `json:"record,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Duplicate bool          `json:"duplicate"`
	Err       error         `json:"-"`
}

// IngestLimits bounds what Ingest accepts.
type IngestLimits struct {
	MaxBytes   int64
	MaxFiles   int
	JobTimeout time.Duration
}

// Ingester validates uploads, stores the bytes and queues analysis.
type Ingester struct {
	records store.RecordStore
	objects store.ObjectStore
	queue   queue.Queue
	limits  IngestLimits
	fs      afero.Fs
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewIngester creates an Ingester. Local files for IngestFiles are read from
// fs; nil means the OS filesystem.
func NewIngester(records store.RecordStore, objects store.ObjectStore, q queue.Queue, limits IngestLimits, fs afero.Fs, logger *slog.Logger) *Ingester {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		records: records,
		objects: objects,
		queue:   q,
		limits:  limits,
		fs:      fs,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Ingest stores one upload and queues it for analysis. An upload whose
// bytes match an existing record returns that record with Duplicate set and
// queues nothing.
func (i *Ingester) Ingest(ctx context.Context, up Upload) (*IngestResult, error) {
	contentType, err := i.validate(up)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(up.Data)
	hash := hex.EncodeToString(sum[:])
	if existing, err := i.records.GetMediaByHash(ctx, hash); err == nil {
		i.logger.Info("ingest_duplicate", slog.String("media_id", existing.ID), slog.String("filename", up.Filename))
		return &IngestResult{Record: existing, Duplicate: true}, nil
	} else if !siftErrors.HasCode(err, siftErrors.ErrCodeRecordNotFound) {
		return nil, err
	}

	key := i.newID() + extensionFor(up.Filename, contentType)
	if _, err := i.objects.Put(ctx, up.Data, key, contentType); err != nil {
		return nil, err
	}

	rec := &media.Record{
		ID:          i.newID(),
		ContentHash: hash,
		StorageKey:  key,
		Filename:    baseName(up.Filename),
		ContentType: contentType,
		Size:        int64(len(up.Data)),
		Status:      media.StatusPending,
		Metadata:    media.EmptyMetadata(),
		CreatedAt:   i.now().UTC(),
	}
	if err := i.records.CreateMedia(ctx, rec); err != nil {
		i.discard(ctx, key)
		// A concurrent upload of the same bytes won the insert.
		if existing, getErr := i.records.GetMediaByHash(ctx, hash); getErr == nil {
			return &IngestResult{Record: existing, Duplicate: true}, nil
		}
		return nil, err
	}

	jobID, err := i.queue.Enqueue(ctx, queue.KindAnalyze, rec.ID, i.limits.JobTimeout)
	if err != nil {
		return &IngestResult{Record: rec}, siftErrors.New(siftErrors.ErrCodeQueueFailed,
			"record "+rec.ID+" stored but analysis could not be queued", err)
	}

	i.logger.Info("ingest_queued",
		slog.String("media_id", rec.ID),
		slog.String("job_id", jobID),
		slog.String("content_type", contentType),
		slog.Int64("size", rec.Size))
	return &IngestResult{Record: rec, JobID: jobID}, nil
}

// IngestFiles ingests local files. Per-file failures are reported in the
// results; only the batch size limit fails the call as a whole.
func (i *Ingester) IngestFiles(ctx context.Context, paths []string) ([]*IngestResult, error) {
	if i.limits.MaxFiles > 0 && len(paths) > i.limits.MaxFiles {
		return nil, siftErrors.New(siftErrors.ErrCodeTooManyFiles,
			fmt.Sprintf("%d files exceeds the limit of %d per batch", len(paths), i.limits.MaxFiles), nil).
			WithSuggestion("Split the batch or raise pipeline.max_bulk_files")
	}

	results := make([]*IngestResult, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := i.ingestFile(ctx, p)
		if err != nil {
			res = &IngestResult{Err: err}
			i.logger.Warn("ingest_file_failed", slog.String("path", p), slog.String("error", err.Error()))
		}
		res.Path = p
		results = append(results, res)
	}
	return results, nil
}

func (i *Ingester) ingestFile(ctx context.Context, path string) (*IngestResult, error) {
	info, err := i.fs.Stat(path)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeInvalidInput, "cannot read "+path, err)
	}
	if info.IsDir() {
		return nil, siftErrors.ValidationError(path+" is a directory", nil)
	}
	if i.limits.MaxBytes > 0 && info.Size() > i.limits.MaxBytes {
		return nil, tooLarge(info.Size(), i.limits.MaxBytes)
	}
	data, err := afero.ReadFile(i.fs, path)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeInvalidInput, "cannot read "+path, err)
	}
	return i.Ingest(ctx, Upload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Data:        data,
	})
}

// validate returns the effective content type of up, sniffing it when the
// caller did not declare one.
func (i *Ingester) validate(up Upload) (string, error) {
	if len(up.Data) == 0 {
		return "", siftErrors.ValidationError("upload is empty", nil)
	}
	if i.limits.MaxBytes > 0 && int64(len(up.Data)) > i.limits.MaxBytes {
		return "", tooLarge(int64(len(up.Data)), i.limits.MaxBytes)
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(up.Data)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", siftErrors.New(siftErrors.ErrCodeNotAnImage,
			fmt.Sprintf("content type %q is not an image", contentType), nil)
	}
	return contentType, nil
}

func (i *Ingester) discard(ctx context.Context, key string) {
	if err := i.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		i.logger.Warn("object_cleanup_failed", slog.String("storage_key", key), slog.String("error", err.Error()))
	}
}

func tooLarge(size, limit int64) error {
	return siftErrors.New(siftErrors.ErrCodeFileTooLarge,
		fmt.Sprintf("file is %d bytes, limit is %d", size, limit), nil).
		WithSuggestion("Raise pipeline.max_upload_mb")
}

var preferredExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

func baseName(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}

// extensionFor keeps the upload's own extension, falling back to one
// registered for contentType.
func extensionFor(filename, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return ext
	}
	if ext, ok := preferredExt[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
