// Package search ranks indexed images against a text query.
//
// Vector search embeds the query with the same text embedder the pipeline
// fuses with, keeps records whose cosine similarity is strictly above the
// threshold and orders them by similarity, newest first on ties, then id.
// Keyword search runs over captions, OCR text and object classes.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/imgsift/internal/config"
	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/stage"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Search modes.
const (
	ModeVector = "vector"
	ModeText   = "text"
)

// candidateFactor widens the approximate candidate set before the
// threshold is applied.
const candidateFactor = 4

// Result is one ranked record.
type Result struct {
	Record *media.Record `json:"record"`
	// Similarity is the cosine similarity in vector mode.
	Similarity float64 `json:"similarity,omitempty"`
	// Score is the keyword relevance in text mode.
	Score float64 `json:"score,omitempty"`
}

// Request is one search.
type Request struct {
	Query string
	// Limit is clamped to the configured bounds; 0 means the default.
	Limit int
	// Threshold overrides the configured similarity threshold.
	Threshold *float64
	Mode      string
}

// Candidate is a record id proposed by a CandidateIndex with its exact
// similarity to the query.
type Candidate struct {
	ID         string
	Similarity float64
}

// CandidateIndex proposes likely matches faster than a full scan.
type CandidateIndex interface {
	Nearest(query []float32, k int) ([]Candidate, error)
}

// Engine answers search requests.
type Engine struct {
	records    store.RecordStore
	text       stage.TextEmbedder
	cfg        config.SearchConfig
	candidates CandidateIndex
	keyword    *KeywordIndex
	logger     *slog.Logger
	observer   func(mode string, d time.Duration, results int, err error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCandidateIndex makes vector search ask idx for candidates instead of
// scanning every embedding.
func WithCandidateIndex(idx CandidateIndex) EngineOption {
	return func(e *Engine) { e.candidates = idx }
}

// WithKeywordIndex enables ModeText.
func WithKeywordIndex(k *KeywordIndex) EngineOption {
	return func(e *Engine) { e.keyword = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithObserver is called after every search.
func WithObserver(fn func(mode string, d time.Duration, results int, err error)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// NewEngine creates an Engine. text must be the embedder used for fusion.
func NewEngine(records store.RecordStore, text stage.TextEmbedder, cfg config.SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		records: records,
		text:    text,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search runs req and hydrates the matching records.
func (e *Engine) Search(ctx context.Context, req Request) (results []Result, err error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = ModeVector
	}
	defer func() {
		if e.observer != nil {
			e.observer(mode, time.Since(start), len(results), err)
		}
	}()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, siftErrors.New(siftErrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	limit := e.cfg.ClampLimit(req.Limit)

	switch mode {
	case ModeVector:
		threshold := e.cfg.Threshold
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		results, err = e.vectorSearch(ctx, query, limit, threshold)
	case ModeText:
		results, err = e.textSearch(ctx, query, limit)
	default:
		return nil, siftErrors.ValidationError("unknown search mode "+mode, nil).
			WithSuggestion("Use --mode vector or --mode text")
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug("search_completed",
		slog.String("mode", mode),
		slog.Int("limit", limit),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

func (e *Engine) vectorSearch(ctx context.Context, query string, limit int, threshold float64) ([]Result, error) {
	qv, err := e.text.EmbedText(ctx, query)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeSearchFailed, "failed to embed query", err)
	}
	qv = media.Normalize(qv)

	var matches []store.Match
	switch {
	case e.candidates != nil:
		matches, err = e.fromCandidates(ctx, qv, limit, threshold)
	default:
		if vs, ok := e.records.(store.VectorSearcher); ok {
			matches, err = vs.SimilarTo(ctx, qv, threshold, limit)
		} else {
			matches, err = e.scan(ctx, qv, limit, threshold)
		}
	}
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		rec, err := e.records.GetMedia(ctx, m.ID)
		if siftErrors.HasCode(err, siftErrors.ErrCodeRecordNotFound) {
			continue // deleted since ranking
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Record: rec, Similarity: m.Similarity})
	}
	return results, nil
}

// scan ranks every stored embedding exactly.
func (e *Engine) scan(ctx context.Context, qv []float32, limit int, threshold float64) ([]store.Match, error) {
	items, err := e.records.ListEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	var matches []store.Match
	for _, it := range items {
		if len(it.Vector) != len(qv) {
			return nil, siftErrors.New(siftErrors.ErrCodeDimensionMismatch,
				media.DimensionError{Expected: len(it.Vector), Got: len(qv)}.Error(), nil).
				WithDetail("media_id", it.ID)
		}
		sim := media.Dot(qv, it.Vector)
		if sim > threshold {
			matches = append(matches, store.Match{ID: it.ID, Similarity: sim, CreatedAt: it.CreatedAt})
		}
	}
	return Rank(matches, limit), nil
}

// fromCandidates re-scores approximate candidates and applies the same
// threshold and ordering as scan.
func (e *Engine) fromCandidates(ctx context.Context, qv []float32, limit int, threshold float64) ([]store.Match, error) {
	cands, err := e.candidates.Nearest(qv, limit*candidateFactor)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeSearchFailed, "candidate search failed", err)
	}
	var matches []store.Match
	for _, c := range cands {
		// The index may lag the store; score against the stored vector.
		rec, err := e.records.GetMedia(ctx, c.ID)
		if err != nil || !rec.HasEmbedding() || len(rec.Embedding) != len(qv) {
			continue
		}
		if sim := media.Dot(qv, rec.Embedding); sim > threshold {
			matches = append(matches, store.Match{ID: c.ID, Similarity: sim, CreatedAt: rec.CreatedAt})
		}
	}
	return Rank(matches, limit), nil
}

// Rank orders matches by similarity desc, created_at desc, id asc and
// keeps the first limit.
func Rank(matches []store.Match, limit int) []store.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (e *Engine) textSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	if e.keyword == nil {
		return nil, siftErrors.ConfigError("keyword index is not configured", nil).
			WithSuggestion("Set search.keyword_index_path and run 'imgsift search reindex'")
	}
	hits, err := e.keyword.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		rec, err := e.records.GetMedia(ctx, h.ID)
		if siftErrors.HasCode(err, siftErrors.ErrCodeRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Record: rec, Score: h.Score})
	}
	return results, nil
}
