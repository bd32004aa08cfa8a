package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/cache"
	"github.com/mnemosyne-ai/mnemosyne/internal/embedder"
	"github.com/mnemosyne-ai/mnemosyne/internal/graph"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/reranker"
	"github.com/mnemosyne-ai/mnemosyne/internal/vectorstore"
	"golang.org/x/sync/errgroup"
)

// EngineConfig controls engine defaults
type EngineConfig struct {
	// DefaultTopK is used when a request leaves top_k unset.
	DefaultTopK int

	// FilterKeys is the whitelist of filterable metadata keys.
	FilterKeys []string

	// Timeout bounds a single search end to end.
	Timeout time.Duration
}

// Engine executes search requests. All paths are owner-scoped: the vector
// side by per-collection namespaces reached only through owned collections,
// the relational side by owner id in every query.
type Engine struct {
	docs        repository.DocumentRepository
	vectors     vectorstore.VectorStore
	embedder    embedder.Embedder
	cache       *cache.Cache
	reranker    reranker.Reranker
	expander    *graph.Expander
	defaultTopK int
	filterKeys  map[string]bool
	timeout     time.Duration
	logger      *slog.Logger
}

// NewEngine creates a search engine. cache, reranker, and expander may be
// nil; the corresponding features degrade gracefully.
func NewEngine(
	docs repository.DocumentRepository,
	vectors vectorstore.VectorStore,
	emb embedder.Embedder,
	resultCache *cache.Cache,
	rr reranker.Reranker,
	expander *graph.Expander,
	config EngineConfig,
	logger *slog.Logger,
) *Engine {
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	filterKeys := make(map[string]bool, len(config.FilterKeys))
	for _, key := range config.FilterKeys {
		filterKeys[key] = true
	}

	return &Engine{
		docs:        docs,
		vectors:     vectors,
		embedder:    emb,
		cache:       resultCache,
		reranker:    rr,
		expander:    expander,
		defaultTopK: config.DefaultTopK,
		filterKeys:  filterKeys,
		timeout:     config.Timeout,
		logger:      logger,
	}
}

// Search runs a validated search request through the configured mode
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := e.validate(&req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cacheKey := e.cacheKey(req)
	if e.cache != nil {
		var cached Response
		if e.cache.GetSearch(ctx, cacheKey, &cached) {
			cached.Cached = true
			cached.TookMS = time.Since(start).Milliseconds()
			return &cached, nil
		}
	}

	var results []Result
	var err error
	switch req.Mode {
	case ModeSemantic:
		results, err = e.semantic(ctx, req, req.TopK)
	case ModeKeyword:
		results, err = e.keyword(ctx, req, req.TopK)
	case ModeHybrid:
		results, err = e.hybrid(ctx, req)
	case ModeHierarchical:
		results, err = e.hierarchical(ctx, req)
	case ModeGraph:
		results, err = e.graphSearch(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	results = dedupResults(results)

	if req.Rerank && e.reranker != nil && len(results) > 0 {
		results = e.rerank(ctx, req.Query, results, req.TopK)
	}

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	if results == nil {
		results = []Result{}
	}

	resp := &Response{
		Results: results,
		Mode:    req.Mode,
		TookMS:  time.Since(start).Milliseconds(),
	}

	if e.cache != nil {
		e.cache.SetSearch(ctx, cacheKey, resp)
	}

	return resp, nil
}

// cacheKey canonicalizes every result-affecting request field
func (e *Engine) cacheKey(req Request) string {
	type canonicalFilter struct {
		Key    string   `json:"k"`
		Values []string `json:"v"`
	}
	filters := make([]canonicalFilter, 0, len(req.Filters))
	for key, values := range req.Filters {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		filters = append(filters, canonicalFilter{Key: key, Values: sorted})
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i].Key < filters[j].Key })

	canonical, _ := json.Marshal(struct {
		CollectionID *uuid.UUID        `json:"collection_id"`
		Query        string            `json:"query"`
		Mode         string            `json:"mode"`
		TopK         int               `json:"top_k"`
		Filters      []canonicalFilter `json:"filters"`
		Rerank       bool              `json:"rerank"`
		Model        string            `json:"model"`
	}{req.CollectionID, req.Query, req.Mode, req.TopK, filters, req.Rerank, e.embedder.ModelName()})

	return cache.SearchKey(req.OwnerID, canonical)
}

func (e *Engine) semantic(ctx context.Context, req Request, limit int) ([]Result, error) {
	vector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, apperr.New(apperr.KindTransientUpstream, "embedding_failed",
			"failed to embed query").WithCause(err)
	}
	if req.EmbeddingDim > 0 && len(vector) != req.EmbeddingDim {
		return nil, apperr.Validation("dimension_mismatch",
			fmt.Sprintf("query embedding has dimension %d, collection expects %d",
				len(vector), req.EmbeddingDim))
	}

	matches, err := e.vectors.Search(ctx, *req.CollectionID, vector, limit, req.Filters)
	if err != nil {
		return nil, apperr.New(apperr.KindTransientUpstream, "vector_search_failed",
			"vector search failed").WithCause(err)
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			ChunkID:    m.ID,
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Content:    m.Content,
			Score:      m.Score,
			Metadata:   m.Metadata,
		}
	}
	return results, nil
}

func (e *Engine) keyword(ctx context.Context, req Request, limit int) ([]Result, error) {
	matches, err := e.docs.KeywordSearch(ctx, req.OwnerID, req.CollectionID,
		sanitizeKeywordQuery(req.Query), limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("keyword search: %w", err))
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if !matchesFilters(m.Metadata, req.Filters) {
			continue
		}
		results = append(results, Result{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Content:    m.Content,
			Score:      m.Rank,
			Metadata:   m.Metadata,
		})
	}
	return results, nil
}

// hybrid fans out semantic and keyword searches in parallel and fuses the
// ranked lists with RRF. Each branch fetches twice topK so fusion has
// candidates beyond the final cut.
func (e *Engine) hybrid(ctx context.Context, req Request) ([]Result, error) {
	fetch := req.TopK * 2

	var semanticResults, keywordResults []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semanticResults, err = e.semantic(gctx, req, fetch)
		return err
	})
	g.Go(func() error {
		var err error
		keywordResults, err = e.keyword(gctx, req, fetch)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuseRRF(semanticResults, keywordResults), nil
}

// hierarchical retrieves in two tiers: a wide semantic pass picks the most
// relevant documents, then only chunks from those documents survive. This
// keeps results from scattering one chunk each across many documents.
func (e *Engine) hierarchical(ctx context.Context, req Request) ([]Result, error) {
	wide, err := e.semantic(ctx, req, req.TopK*4)
	if err != nil {
		return nil, err
	}
	if len(wide) == 0 {
		return nil, nil
	}

	// Rank documents by their best chunk score.
	bestByDoc := make(map[uuid.UUID]float32)
	var docOrder []uuid.UUID
	for _, r := range wide {
		if _, seen := bestByDoc[r.DocumentID]; !seen {
			docOrder = append(docOrder, r.DocumentID)
		}
		if r.Score > bestByDoc[r.DocumentID] {
			bestByDoc[r.DocumentID] = r.Score
		}
	}
	sort.SliceStable(docOrder, func(i, j int) bool {
		return bestByDoc[docOrder[i]] > bestByDoc[docOrder[j]]
	})

	// Keep the top documents, then the best chunks within them.
	maxDocs := (req.TopK + 1) / 2
	if maxDocs < 1 {
		maxDocs = 1
	}
	if len(docOrder) > maxDocs {
		docOrder = docOrder[:maxDocs]
	}
	selected := make(map[uuid.UUID]bool, len(docOrder))
	for _, id := range docOrder {
		selected[id] = true
	}

	var results []Result
	for _, r := range wide {
		if selected[r.DocumentID] {
			results = append(results, r)
		}
	}
	return results, nil
}

// graphSearch expands query entities through the collection graph and fuses
// the neighbourhood with plain semantic results. With no graph signal it
// falls back to semantic search outright.
func (e *Engine) graphSearch(ctx context.Context, req Request) ([]Result, error) {
	semanticResults, err := e.semantic(ctx, req, req.TopK*2)
	if err != nil {
		return nil, err
	}

	if e.expander == nil || !req.GraphEnabled {
		return semanticResults, nil
	}

	chunkIDs, err := e.expander.Neighbourhood(ctx, *req.CollectionID, req.Query, req.TopK*2)
	if err != nil {
		e.logger.Warn("graph expansion failed, using semantic results",
			"collection_id", req.CollectionID, "error", err)
		return semanticResults, nil
	}
	if len(chunkIDs) == 0 {
		return semanticResults, nil
	}

	chunks, err := e.docs.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		e.logger.Warn("graph chunk load failed, using semantic results",
			"collection_id", req.CollectionID, "error", err)
		return semanticResults, nil
	}

	graphResults := make([]Result, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.OwnerID != req.OwnerID {
			continue
		}
		if !matchesFilters(chunk.Metadata, req.Filters) {
			continue
		}
		graphResults = append(graphResults, Result{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
		})
	}

	return fuseRRF(semanticResults, graphResults), nil
}

// rerank applies the LLM reranker, falling back to the fused order on error
func (e *Engine) rerank(ctx context.Context, query string, results []Result, topK int) []Result {
	docs := make([]reranker.Document, len(results))
	for i, r := range results {
		docs[i] = reranker.Document{Index: i, Content: r.Content, Score: r.Score}
	}

	reranked, err := e.reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		e.logger.Warn("rerank failed, keeping fused order", "error", err)
		return results
	}

	out := make([]Result, 0, len(reranked))
	for _, doc := range reranked {
		if doc.Index < 0 || doc.Index >= len(results) {
			continue
		}
		r := results[doc.Index]
		r.Score = doc.Score
		out = append(out, r)
	}
	return out
}
