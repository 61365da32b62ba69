package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the number of query embeddings kept in memory.
// At 768 dimensions that is about 3MB.
const DefaultQueryCacheSize = 1000

// CachedTextEmbedder wraps a TextEmbedder with an LRU cache. Search embeds
// the same queries repeatedly; the cache saves a model round trip each time.
type CachedTextEmbedder struct {
	inner TextEmbedder
	cache *lru.Cache[string, []float32]
}

var _ TextEmbedder = (*CachedTextEmbedder)(nil)

// NewCachedTextEmbedder creates a cached embedder.
func NewCachedTextEmbedder(inner TextEmbedder, size int) *CachedTextEmbedder {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedTextEmbedder{inner: inner, cache: cache}
}

// cacheKey includes the model so a model switch never serves stale vectors.
func (c *CachedTextEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + c.inner.ModelName()))
	return hex.EncodeToString(sum[:])
}

// EmbedText returns a cached vector or computes and caches one. Errors are
// not cached.
func (c *CachedTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// Dimensions delegates to the wrapped embedder.
func (c *CachedTextEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName delegates to the wrapped embedder.
func (c *CachedTextEmbedder) ModelName() string { return c.inner.ModelName() }

// Len returns the number of cached entries.
func (c *CachedTextEmbedder) Len() int { return c.cache.Len() }

// Purge empties the cache.
func (c *CachedTextEmbedder) Purge() { c.cache.Purge() }
