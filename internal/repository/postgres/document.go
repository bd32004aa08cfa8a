package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, owner_id, collection_id, title, filename, mime_type, size_bytes,
	blob_key, content_hash, source_id_hash, status, metadata, processing_info,
	chunk_count, total_tokens, created_at, updated_at, processed_at`

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	procJSON, err := json.Marshal(doc.ProcessingInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal processing info: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.OwnerID, doc.CollectionID, doc.Title, doc.Filename,
		doc.MIMEType, doc.SizeBytes, doc.BlobKey, doc.ContentHash,
		doc.SourceIDHash, doc.Status, metadataJSON, procJSON,
		doc.ChunkCount, doc.TotalTokens, doc.CreatedAt, doc.UpdatedAt, doc.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, id))
}

// GetCompletedByHash retrieves a completed document by content hash for an
// owner, used for duplicate detection.
func (r *DocumentRepo) GetCompletedByHash(ctx context.Context, ownerID uuid.UUID, hash string) (*repository.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE owner_id = $1 AND content_hash = $2 AND status = $3
	`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, ownerID, hash, repository.DocStatusCompleted))
}

func (r *DocumentRepo) scanDocument(row pgx.Row) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON, procJSON []byte

	err := row.Scan(
		&doc.ID, &doc.OwnerID, &doc.CollectionID, &doc.Title, &doc.Filename,
		&doc.MIMEType, &doc.SizeBytes, &doc.BlobKey, &doc.ContentHash,
		&doc.SourceIDHash, &doc.Status, &metadataJSON, &procJSON,
		&doc.ChunkCount, &doc.TotalTokens, &doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(procJSON, &doc.ProcessingInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processing info: %w", err)
	}
	return &doc, nil
}

// List retrieves documents for a collection with pagination and an optional
// status filter
func (r *DocumentRepo) List(ctx context.Context, collectionID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM documents WHERE collection_id = $1`
	listQuery := `SELECT ` + documentColumns + ` FROM documents WHERE collection_id = $1`
	args := []any{collectionID}

	if status != "" {
		countQuery += ` AND status = $2`
		listQuery += ` AND status = $2`
		args = append(args, status)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, nil
}

// Update updates a document's mutable fields
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	procJSON, err := json.Marshal(doc.ProcessingInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal processing info: %w", err)
	}

	query := `
		UPDATE documents
		SET title = $2, content_hash = $3, source_id_hash = $4, status = $5,
		    metadata = $6, processing_info = $7, chunk_count = $8,
		    total_tokens = $9, processed_at = $10, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Title, doc.ContentHash, doc.SourceIDHash, doc.Status,
		metadataJSON, procJSON, doc.ChunkCount, doc.TotalTokens, doc.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a document. Chunks cascade via foreign keys.
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TransitionStatus performs the status compare-and-set. This is the only
// admissible way to move a document through the state machine; unconditional
// status writes are forbidden.
func (r *DocumentRepo) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next string) error {
	query := `
		UPDATE documents
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Pool.Exec(ctx, query, id, expected, next)
	if err != nil {
		return fmt.Errorf("failed to transition document status: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the document is gone or another worker won the race.
		var current string
		err := r.db.Pool.QueryRow(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read document status: %w", err)
		}
		return fmt.Errorf("%w: expected status %q, found %q", repository.ErrConflict, expected, current)
	}
	return nil
}

// ListInFlight returns documents left queued or running by a previous
// process so the ingestion service can reclaim them at startup.
func (r *DocumentRepo) ListInFlight(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM documents
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query,
		[]string{repository.DocStatusQueued, repository.DocStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight documents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceChunks atomically replaces the chunk set for a document, updates its
// stats, and transitions running -> completed. Any chunks left by a prior
// attempt are deleted in the same transaction.
func (r *DocumentRepo) ReplaceChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("failed to delete stale chunks: %w", err)
	}

	batch := &pgx.Batch{}
	totalTokens := 0
	for _, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		totalTokens += chunk.TokenCount
		batch.Queue(`
			INSERT INTO chunks (id, document_id, owner_id, chunk_index, content,
				token_count, page, section, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, chunk.ID, chunk.DocumentID, chunk.OwnerID, chunk.ChunkIndex,
			chunk.Content, chunk.TokenCount, chunk.Page, chunk.Section,
			metadataJSON, chunk.CreatedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	procJSON, err := json.Marshal(doc.ProcessingInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal processing info: %w", err)
	}

	now := time.Now()
	result, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $2, content_hash = $3, chunk_count = $4, total_tokens = $5,
		    processing_info = $6, processed_at = $7, updated_at = $7
		WHERE id = $1 AND status = $8
	`, doc.ID, repository.DocStatusCompleted, doc.ContentHash, len(chunks), totalTokens,
		procJSON, now, repository.DocStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finalize document: %w", err)
	}
	if result.RowsAffected() == 0 {
		// The attempt was cancelled or reclaimed while persisting.
		return fmt.Errorf("%w: document %s left running state during persist", repository.ErrConflict, doc.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}

	doc.Status = repository.DocStatusCompleted
	doc.ChunkCount = len(chunks)
	doc.TotalTokens = totalTokens
	doc.ProcessedAt = &now
	return nil
}

const chunkColumns = `id, document_id, owner_id, chunk_index, content, token_count, page, section, metadata, created_at`

// GetChunks retrieves chunks for a document in index order
func (r *DocumentRepo) GetChunks(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksByIDs retrieves specific chunks, used by graph retrieval
func (r *DocumentRepo) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]*repository.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE id = ANY($1)
		ORDER BY document_id, chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by ids: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]*repository.Chunk, error) {
	var chunks []*repository.Chunk
	for rows.Next() {
		var chunk repository.Chunk
		var metadataJSON []byte
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.OwnerID,
			&chunk.ChunkIndex, &chunk.Content, &chunk.TokenCount,
			&chunk.Page, &chunk.Section, &metadataJSON, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &chunk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

// DeleteChunks deletes all chunks for a document
func (r *DocumentRepo) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// KeywordSearch runs a full-text query against the owner's chunks with
// ts_rank_cd scoring. websearch_to_tsquery treats the input as plain web
// search syntax, so tsquery control operators cannot be injected; the engine
// additionally strips them before calling.
func (r *DocumentRepo) KeywordSearch(ctx context.Context, ownerID uuid.UUID, collectionID *uuid.UUID, query string, limit int) ([]repository.KeywordResult, error) {
	sql := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata,
		       ts_rank_cd(c.content_tsv, websearch_to_tsquery('english', $2)) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.owner_id = $1
		  AND d.status = 'completed'
		  AND c.content_tsv @@ websearch_to_tsquery('english', $2)
	`
	args := []any{ownerID, query}
	if collectionID != nil {
		sql += ` AND d.collection_id = $3`
		args = append(args, *collectionID)
	}
	sql += fmt.Sprintf(` ORDER BY rank DESC, c.document_id, c.chunk_index LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}
	defer rows.Close()

	var results []repository.KeywordResult
	for rows.Next() {
		var res repository.KeywordResult
		var metadataJSON []byte
		if err := rows.Scan(&res.ChunkID, &res.DocumentID, &res.ChunkIndex,
			&res.Content, &metadataJSON, &res.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan keyword result: %w", err)
		}
		res.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &res.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
