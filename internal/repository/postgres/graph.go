package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// GraphRepo implements repository.GraphRepository
type GraphRepo struct {
	db *DB
}

// NewGraphRepo creates a new graph repository
func NewGraphRepo(db *DB) *GraphRepo {
	return &GraphRepo{db: db}
}

// ReplaceDocumentGraph replaces the entities and edges extracted from one
// document in a single transaction. Entities are upserted by (collection_id,
// name, kind) so re-ingesting a document does not duplicate shared nodes.
func (r *GraphRepo) ReplaceDocumentGraph(ctx context.Context, collectionID, documentID uuid.UUID, entities []*repository.GraphEntity, edges []*repository.GraphEdge) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM graph_edges WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete stale edges: %w", err)
	}

	// Upsert entities and resolve their canonical ids, which may differ from
	// the ids the extractor assigned when the entity already exists.
	canonical := make(map[uuid.UUID]uuid.UUID, len(entities))
	for _, e := range entities {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO graph_entities (id, collection_id, name, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection_id, name, kind) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, e.ID, e.CollectionID, e.Name, e.Kind).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert entity: %w", err)
		}
		canonical[e.ID] = id
	}

	batch := &pgx.Batch{}
	for _, edge := range edges {
		src, ok := canonical[edge.SourceID]
		if !ok {
			src = edge.SourceID
		}
		dst, ok := canonical[edge.TargetID]
		if !ok {
			dst = edge.TargetID
		}
		batch.Queue(`
			INSERT INTO graph_edges (id, collection_id, document_id, source_id, target_id, chunk_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, edge.ID, edge.CollectionID, documentID, src, dst, edge.ChunkID)
	}
	results := tx.SendBatch(ctx, batch)
	for range edges {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit graph replacement: %w", err)
	}
	return nil
}

// FindEntities matches entities by case-insensitive name within a collection
func (r *GraphRepo) FindEntities(ctx context.Context, collectionID uuid.UUID, names []string) ([]*repository.GraphEntity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, collection_id, name, kind
		FROM graph_entities
		WHERE collection_id = $1 AND LOWER(name) = ANY($2)
	`
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}
	rows, err := r.db.Pool.Query(ctx, query, collectionID, lowered)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}
	defer rows.Close()

	var entities []*repository.GraphEntity
	for rows.Next() {
		var e repository.GraphEntity
		if err := rows.Scan(&e.ID, &e.CollectionID, &e.Name, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, nil
}

// NeighbourChunkIDs returns chunk ids reachable within one hop of the given
// entities, in a stable order.
func (r *GraphRepo) NeighbourChunkIDs(ctx context.Context, collectionID uuid.UUID, entityIDs []uuid.UUID, limit int) ([]uuid.UUID, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT chunk_id
		FROM graph_edges
		WHERE collection_id = $1 AND (source_id = ANY($2) OR target_id = ANY($2))
		ORDER BY chunk_id
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, collectionID, entityIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbours: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteByDocument removes a document's edges. Entities orphaned by the
// delete are left in place; they are harmless and may be re-linked later.
func (r *GraphRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM graph_edges WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete edges: %w", err)
	}
	return nil
}

// Ensure GraphRepo implements the interface
var _ repository.GraphRepository = (*GraphRepo)(nil)
