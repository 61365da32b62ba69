package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Keyword index field names.
const (
	fieldCaption  = "caption"
	fieldOCR      = "ocr"
	fieldObjects  = "objects"
	fieldFilename = "filename"
	fieldStatus   = "status"
)

// reindexBatchSize bounds the number of documents per bleve batch.
const reindexBatchSize = 200

// KeywordHit is one keyword match.
type KeywordHit struct {
	ID    string
	Score float64
}

// keywordDoc is what bleve stores per record.
type keywordDoc struct {
	Caption  string `json:"caption"`
	OCR      string `json:"ocr"`
	Objects  string `json:"objects"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// KeywordIndex is a bleve full-text index over what the analysis stages
// extracted: caption, OCR text and detected object classes.
type KeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
	logger *slog.Logger
}

// OpenKeywordIndex opens or creates the index at path. An empty path keeps
// the index in memory. A corrupt index on disk is cleared and recreated
// empty; callers should Reindex afterwards.
func OpenKeywordIndex(path string, logger *slog.Logger) (*KeywordIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	im, err := keywordMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to build keyword mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if verr := validateIndexDir(path); verr != nil {
			logger.Warn("keyword_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, fmt.Errorf("keyword index corrupted at %s and cannot remove: %w", path, rerr)
			}
		}
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, im)
		} else if err != nil && isCorruption(err) {
			logger.Warn("keyword_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, fmt.Errorf("keyword index corrupted, cannot clear: %w", rerr)
			}
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword index: %w", err)
	}
	return &KeywordIndex{index: idx, path: path, logger: logger}, nil
}

// keywordMapping analyses the text fields as English and the filename and
// status as single tokens.
func keywordMapping() (*mapping.IndexMappingImpl, error) {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = en.AnalyzerName
	text.Store = false

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.Store = false
	exact.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldCaption, text)
	doc.AddFieldMappingsAt(fieldOCR, text)
	doc.AddFieldMappingsAt(fieldObjects, text)
	doc.AddFieldMappingsAt(fieldFilename, exact)
	doc.AddFieldMappingsAt(fieldStatus, exact)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

// validateIndexDir reports a corrupt on-disk index. A missing directory is
// fine.
func validateIndexDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruption(err error) bool {
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

func docFor(rec *media.Record) keywordDoc {
	classes := make([]string, 0, len(rec.Metadata.Objects))
	for _, d := range rec.Metadata.Objects {
		classes = append(classes, d.Class)
	}
	return keywordDoc{
		Caption:  rec.Metadata.Caption,
		OCR:      rec.Metadata.OCRText,
		Objects:  strings.Join(classes, " "),
		Filename: rec.Filename,
		Status:   string(rec.Status),
	}
}

// Index adds or replaces the document for rec.
func (k *KeywordIndex) Index(rec *media.Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}
	if err := k.index.Index(rec.ID, docFor(rec)); err != nil {
		return fmt.Errorf("failed to index %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes id. Unknown ids are ignored.
func (k *KeywordIndex) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}
	return k.index.Delete(id)
}

// Search returns up to limit ids matching query, best first. Equal scores
// are ordered by id.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []KeywordHit{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	hits := make([]KeywordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, KeywordHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count() (uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}
	return k.index.DocCount()
}

// Reindex replaces the contents with every indexed record in rs.
func (k *KeywordIndex) Reindex(ctx context.Context, rs store.RecordStore) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}

	stale, err := k.allIDs(ctx)
	if err != nil {
		return 0, err
	}
	batch := k.index.NewBatch()
	for _, id := range stale {
		batch.Delete(id)
	}
	if err := k.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to clear keyword index: %w", err)
	}

	indexed := media.StatusIndexed
	count := 0
	batch = k.index.NewBatch()
	for offset := 0; ; offset += reindexBatchSize {
		recs, err := rs.ListMedia(ctx, media.Filter{Status: &indexed, Offset: offset, Limit: reindexBatchSize})
		if err != nil {
			return count, err
		}
		for _, rec := range recs {
			if err := batch.Index(rec.ID, docFor(rec)); err != nil {
				return count, fmt.Errorf("failed to index %s: %w", rec.ID, err)
			}
		}
		if err := k.index.Batch(batch); err != nil {
			return count, fmt.Errorf("failed to write keyword batch: %w", err)
		}
		batch.Reset()
		count += len(recs)
		if len(recs) < reindexBatchSize {
			break
		}
	}

	k.logger.Info("keyword_index_rebuilt",
		slog.Int("documents", count),
		slog.String("path", k.path))
	return count, nil
}

func (k *KeywordIndex) allIDs(ctx context.Context) ([]string, error) {
	total, err := k.index.DocCount()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(total), 0, false)
	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword documents: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Close releases the index. Closing twice is a no-op.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}
