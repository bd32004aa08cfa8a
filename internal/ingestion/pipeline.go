package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
	"github.com/mnemosyne-ai/mnemosyne/internal/cache"
	"github.com/mnemosyne-ai/mnemosyne/internal/embedder"
	"github.com/mnemosyne-ai/mnemosyne/internal/graph"
	"github.com/mnemosyne-ai/mnemosyne/internal/parser"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/vectorstore"
)

// PipelineConfig controls embedding batching
type PipelineConfig struct {
	// EmbedBatchSize is the maximum texts per embedding call.
	EmbedBatchSize int

	// EmbedBatchTimeout bounds each embedding call.
	EmbedBatchTimeout time.Duration
}

// Pipeline runs a document through fetch, parse, chunk, embed, and persist.
// It is stateless between documents; the worker pool owns scheduling.
type Pipeline struct {
	blobs     blobstore.Store
	parsers   *parser.Registry
	docs      repository.DocumentRepository
	graphs    repository.GraphRepository
	vectors   vectorstore.VectorStore
	embedder  embedder.Embedder
	extractor *graph.Extractor
	cache     *cache.Cache
	config    PipelineConfig
	logger    *slog.Logger
}

// NewPipeline creates a pipeline. cache may be nil.
func NewPipeline(
	blobs blobstore.Store,
	parsers *parser.Registry,
	docs repository.DocumentRepository,
	graphs repository.GraphRepository,
	vectors vectorstore.VectorStore,
	emb embedder.Embedder,
	resultCache *cache.Cache,
	config PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 100
	}
	if config.EmbedBatchTimeout <= 0 {
		config.EmbedBatchTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		blobs:     blobs,
		parsers:   parsers,
		docs:      docs,
		graphs:    graphs,
		vectors:   vectors,
		embedder:  emb,
		extractor: graph.NewExtractor(),
		cache:     resultCache,
		config:    config,
		logger:    logger,
	}
}

// Process runs the full pipeline for one document. The document must be in
// the running state; Process finishes it by transitioning to completed
// inside the persist transaction. Errors wrapped as Permanent must not be
// retried.
func (p *Pipeline) Process(ctx context.Context, doc *repository.Document, col *repository.Collection) error {
	start := time.Now()

	if dim := col.Config.EmbeddingDim; dim > 0 && dim != p.embedder.Dimension() {
		return Permanent(fmt.Errorf("embedding dimension mismatch: collection wants %d, embedder produces %d",
			dim, p.embedder.Dimension()))
	}

	text, parsed, err := p.fetchAndParse(ctx, doc)
	if err != nil {
		return err
	}

	// The content hash is computed over the canonical parsed text, not the
	// raw bytes, so the same material uploaded in different encodings still
	// collides. A completed twin under the same owner makes this run a
	// permanent duplicate; the partial unique index catches races at persist.
	sum := sha256.Sum256([]byte(text))
	doc.ContentHash = hex.EncodeToString(sum[:])
	if existing, err := p.docs.GetCompletedByHash(ctx, doc.OwnerID, doc.ContentHash); err == nil && existing.ID != doc.ID {
		return Permanent(&DuplicateError{ExistingID: existing.ID})
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("duplicate check failed: %w", err)
	}

	chunker := NewChunker(ChunkerConfig{
		TargetTokens: col.Config.ChunkTargetTokens,
		Overlap:      col.Config.ChunkOverlap,
	})
	raw := chunker.Chunk(text)
	raw = dedupChunks(raw)
	if len(raw) == 0 {
		return Permanent(errors.New("document produced no indexable content"))
	}

	chunks := p.toRepositoryChunks(doc, raw)

	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	for i, chunk := range chunks {
		chunk.Embedding = vectors[i]
	}

	if err := p.upsertVectors(ctx, doc, col, chunks); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	if len(parsed.Metadata) > 0 && doc.Metadata == nil {
		doc.Metadata = make(map[string]string, len(parsed.Metadata))
	}
	for k, v := range parsed.Metadata {
		if _, exists := doc.Metadata[k]; !exists {
			doc.Metadata[k] = v
		}
	}
	doc.ProcessingInfo = repository.ProcessingInfo{
		Parser:     doc.MIMEType,
		DurationMS: time.Since(start).Milliseconds(),
		EmbedModel: p.embedder.ModelName(),
	}

	if err := p.docs.ReplaceChunks(ctx, doc, chunks); err != nil {
		// The vectors went in before the transaction; without the chunk rows
		// they must not stay searchable. Runs detached so a cancelled
		// document still gets cleaned up.
		if delErr := p.vectors.DeleteDocument(context.WithoutCancel(ctx), col.ID, doc.ID); delErr != nil {
			p.logger.Warn("failed to remove vectors after persist failure",
				"document_id", doc.ID, "error", delErr)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Another document with identical content completed first.
			return Permanent(fmt.Errorf("duplicate content: %w", err))
		}
		return fmt.Errorf("persist failed: %w", err)
	}

	// Graph rows reference chunk ids, so they can only go in once the chunk
	// rows are committed.
	if col.Config.GraphEnabled {
		entities, edges := p.extractor.Extract(col.ID, chunks)
		if err := p.graphs.ReplaceDocumentGraph(ctx, col.ID, doc.ID, entities, edges); err != nil {
			// Graph data is an enrichment; losing it degrades graph mode but
			// must not fail ingestion.
			p.logger.Warn("graph extraction persist failed",
				"document_id", doc.ID, "error", err)
		}
	}

	if p.cache != nil {
		p.cache.InvalidateOwner(ctx, doc.OwnerID)
	}

	p.logger.Info("document processed",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

func (p *Pipeline) fetchAndParse(ctx context.Context, doc *repository.Document) (string, *parser.Result, error) {
	reader, err := p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", nil, Permanent(fmt.Errorf("blob missing: %w", err))
		}
		return "", nil, fmt.Errorf("blob fetch failed: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return "", nil, fmt.Errorf("blob read failed: %w", err)
	}

	parsed, err := p.parsers.Parse(doc.MIMEType, content)
	if err != nil {
		return "", nil, Permanent(fmt.Errorf("parse failed: %w", err))
	}
	return parsed.Text, parsed, nil
}

func (p *Pipeline) toRepositoryChunks(doc *repository.Document, raw []Chunk) []*repository.Chunk {
	now := time.Now()
	chunks := make([]*repository.Chunk, len(raw))
	for i, rc := range raw {
		metadata := make(map[string]string, len(rc.Metadata)+len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		for k, v := range rc.Metadata {
			metadata[k] = v
		}
		chunks[i] = &repository.Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			ChunkIndex: i,
			Content:    rc.Content,
			TokenCount: rc.Tokens,
			Page:       rc.Page,
			Section:    rc.Section,
			Metadata:   metadata,
			CreatedAt:  now,
		}
	}
	return chunks
}

// embedAll embeds chunk contents in bounded batches
func (p *Pipeline) embedAll(ctx context.Context, chunks []*repository.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))

	for start := 0; start < len(chunks); start += p.config.EmbedBatchSize {
		end := start + p.config.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Content)
		}

		batchCtx, cancel := context.WithTimeout(ctx, p.config.EmbedBatchTimeout)
		batch, err := p.embedder.EmbedBatch(batchCtx, texts)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (p *Pipeline) upsertVectors(ctx context.Context, doc *repository.Document, col *repository.Collection, chunks []*repository.Chunk) error {
	exists, err := p.vectors.CollectionExists(ctx, col.ID)
	if err != nil {
		return err
	}
	if !exists {
		dim := col.Config.EmbeddingDim
		if dim <= 0 {
			dim = p.embedder.Dimension()
		}
		if err := p.vectors.CreateCollection(ctx, col.ID, dim); err != nil {
			return err
		}
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = vectorstore.Point{
			ID:         chunk.ID,
			DocumentID: doc.ID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Vector:     chunk.Embedding,
			Metadata:   chunk.Metadata,
		}
	}

	// Drop any points left by a prior attempt before writing the new set.
	if err := p.vectors.DeleteDocument(ctx, col.ID, doc.ID); err != nil {
		return err
	}
	return p.vectors.Upsert(ctx, col.ID, points)
}
