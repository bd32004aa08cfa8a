package cache

import (
	"context"

	"github.com/mnemosyne-ai/mnemosyne/internal/embedder"
)

// CachedEmbedder wraps an embedder with the embedding cache. Query texts
// repeat heavily across searches, so single-text embeds go through the
// cache; batch embeds from ingestion bypass it since document chunks rarely
// repeat.
type CachedEmbedder struct {
	inner embedder.Embedder
	cache *Cache
}

// NewCachedEmbedder wraps inner with the cache. A nil cache disables caching.
func NewCachedEmbedder(inner embedder.Embedder, cache *Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Embed returns a cached vector when available
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache == nil {
		return e.inner.Embed(ctx, text)
	}

	key := EmbeddingKey(e.inner.ModelName(), text)
	if vector := e.cache.GetEmbedding(ctx, key); vector != nil {
		return vector, nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.SetEmbedding(ctx, key, vector)
	return vector, nil
}

// EmbedBatch delegates to the inner embedder
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.inner.EmbedBatch(ctx, texts)
}

// Dimension returns the inner embedder's dimension
func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

// ModelName returns the inner embedder's model name
func (e *CachedEmbedder) ModelName() string {
	return e.inner.ModelName()
}

// Ensure CachedEmbedder implements the interface
var _ embedder.Embedder = (*CachedEmbedder)(nil)
