// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Point is a chunk embedding with its search payload. Vectors live only in
// the vector store; the relational side keeps the text and full-text index.
type Point struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Vector     []float32
	Metadata   map[string]string
}

// SearchResult is a scored match from the vector store
type SearchResult struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Score      float32
	Metadata   map[string]string
}

// VectorStore defines the interface for vector storage operations. Each
// logical collection gets its own namespace so embedding dimensions can vary
// per collection.
type VectorStore interface {
	// CreateCollection creates the namespace for a collection.
	CreateCollection(ctx context.Context, collectionID uuid.UUID, dimension int) error

	// DeleteCollection deletes a collection's namespace and all its points.
	DeleteCollection(ctx context.Context, collectionID uuid.UUID) error

	// CollectionExists checks if a collection's namespace exists.
	CollectionExists(ctx context.Context, collectionID uuid.UUID) (bool, error)

	// Upsert inserts or updates points.
	Upsert(ctx context.Context, collectionID uuid.UUID, points []Point) error

	// Search performs cosine similarity search. filters restricts matches to
	// points whose payload value for each key is one of the given values.
	Search(ctx context.Context, collectionID uuid.UUID, vector []float32, topK int, filters map[string][]string) ([]SearchResult, error)

	// DeleteDocument removes all points belonging to a document.
	DeleteDocument(ctx context.Context, collectionID, documentID uuid.UUID) error

	// DeleteByIDs removes specific points.
	DeleteByIDs(ctx context.Context, collectionID uuid.UUID, ids []uuid.UUID) error
}
