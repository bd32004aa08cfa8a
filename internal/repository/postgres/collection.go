package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// CollectionRepo implements repository.CollectionRepository
type CollectionRepo struct {
	db *DB
}

// NewCollectionRepo creates a new collection repository
func NewCollectionRepo(db *DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

// Create creates a new collection. Name is unique per owner.
func (r *CollectionRepo) Create(ctx context.Context, c *repository.Collection) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	configJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO collections (id, owner_id, name, description, metadata, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id, name) DO NOTHING
	`
	result, err := r.db.Pool.Exec(ctx, query,
		c.ID, c.OwnerID, c.Name, c.Description, metadataJSON, configJSON,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// GetByID retrieves a collection by ID
func (r *CollectionRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Collection, error) {
	query := `
		SELECT id, owner_id, name, description, metadata, config, created_at, updated_at
		FROM collections
		WHERE id = $1
	`
	var c repository.Collection
	var metadataJSON, configJSON []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.OwnerID, &c.Name, &c.Description, &metadataJSON, &configJSON,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}

	c.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(configJSON, &c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// List retrieves collections for an owner with pagination
func (r *CollectionRepo) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*repository.Collection, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM collections WHERE owner_id = $1`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count collections: %w", err)
	}

	query := `
		SELECT id, owner_id, name, description, metadata, config, created_at, updated_at
		FROM collections
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*repository.Collection
	for rows.Next() {
		var c repository.Collection
		var metadataJSON, configJSON []byte
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description,
			&metadataJSON, &configJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan collection: %w", err)
		}
		c.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal config: %w", err)
		}
		collections = append(collections, &c)
	}
	return collections, total, nil
}

// Update updates a collection's mutable fields
func (r *CollectionRepo) Update(ctx context.Context, c *repository.Collection) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	configJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		UPDATE collections
		SET name = $2, description = $3, metadata = $4, config = $5, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, c.ID, c.Name, c.Description, metadataJSON, configJSON)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a collection. Documents, chunks, and graph rows cascade via
// foreign keys.
func (r *CollectionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure CollectionRepo implements the interface
var _ repository.CollectionRepository = (*CollectionRepo)(nil)
