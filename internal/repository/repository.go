// Package repository defines domain models and data access interfaces for
// users, API keys, collections, documents, chunks, chat sessions, and
// ingestion jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update loses the race or a
// uniqueness constraint is violated
var ErrConflict = errors.New("conflict")

// Document status values. Transitions are linearized through
// DocumentRepository.TransitionStatus; see the ingestion worker.
const (
	DocStatusPending   = "pending"
	DocStatusQueued    = "queued"
	DocStatusRunning   = "running"
	DocStatusCompleted = "completed"
	DocStatusFailed    = "failed"
	DocStatusCancelled = "cancelled"
)

// Job state values
const (
	JobStateQueued    = "queued"
	JobStateRunning   = "running"
	JobStateSucceeded = "succeeded"
	JobStateFailed    = "failed"
	JobStateCancelled = "cancelled"
)

// User is the ownership principal. Every other entity is scoped to a user.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// APIKey is a bearer credential owned by a user. Only the hash and the
// plaintext prefix are persisted; the raw key is returned exactly once at
// issuance.
type APIKey struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	KeyHash    string
	KeyPrefix  string
	Scopes     []string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CollectionConfig holds per-collection ingestion and retrieval settings
type CollectionConfig struct {
	ChunkTargetTokens int      `json:"chunk_target_tokens"`
	ChunkOverlap      int      `json:"chunk_overlap"`
	EmbeddingModel    string   `json:"embedding_model"`
	EmbeddingDim      int      `json:"embedding_dim"`
	GraphEnabled      bool     `json:"graph_enabled"`
	SearchModes       []string `json:"search_modes,omitempty"`
}

// Collection is a logical corpus owned by exactly one user
type Collection struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	Description string
	Metadata    map[string]string
	Config      CollectionConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProcessingInfo records how a document was processed
type ProcessingInfo struct {
	Parser     string `json:"parser,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Document is an ingested artifact
type Document struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	CollectionID   uuid.UUID
	Title          string
	Filename       string
	MIMEType       string
	SizeBytes      int64
	BlobKey        string
	ContentHash    string
	SourceIDHash   string
	Status         string
	Metadata       map[string]string
	ProcessingInfo ProcessingInfo
	ChunkCount     int
	TotalTokens    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedAt    *time.Time
}

// Chunk is an indexable fragment of a document. Chunks are immutable once
// written; reprocessing replaces the whole set atomically.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	OwnerID    uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	TokenCount int
	Page       int
	Section    string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// ChatSession is a conversation bound to one user and optionally one collection
type ChatSession struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID
	CollectionID *uuid.UUID
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChunkRef points a chat message at a retrieved chunk
type ChunkRef struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Score      float32   `json:"score"`
	Title      string    `json:"title,omitempty"`
}

// ChatMessage is one turn half within a session
type ChatMessage struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      string // user | assistant | system
	Content   string
	Sources   []ChunkRef
	Position  int
	CreatedAt time.Time
}

// Job is one ingestion attempt for a document. Rows are append-only within a
// document's processing history.
type Job struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	State      string
	Attempt    int
	StartedAt  *time.Time
	FinishedAt *time.Time
	LastError  string
	CreatedAt  time.Time
}

// GraphEntity is an entity extracted from chunks at ingestion time
type GraphEntity struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Name         string
	Kind         string
}

// GraphEdge links two entities through the chunk they co-occur in
type GraphEdge struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	SourceID     uuid.UUID
	TargetID     uuid.UUID
	ChunkID      uuid.UUID
}

// KeywordResult is a full-text match against the chunk index
type KeywordResult struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Rank       float32
	Metadata   map[string]string
}

// UserRepository defines operations for user and API key persistence
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// API key operations
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID) error
}

// CollectionRepository defines operations for collection persistence
type CollectionRepository interface {
	Create(ctx context.Context, c *Collection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Collection, error)
	List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Collection, int, error)
	Update(ctx context.Context, c *Collection) error
	// Delete cascades to documents, chunks, and graph rows.
	Delete(ctx context.Context, id uuid.UUID) error
}

// DocumentRepository defines operations for document and chunk persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	GetCompletedByHash(ctx context.Context, ownerID uuid.UUID, hash string) (*Document, error)
	List(ctx context.Context, collectionID uuid.UUID, status string, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id uuid.UUID) error

	// TransitionStatus performs a conditional update: the new status is
	// written only when the current status equals expected. Returns
	// ErrConflict when the compare-and-set loses.
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, next string) error

	// ListInFlight returns the ids of documents left queued or running,
	// used to reclaim work after a restart.
	ListInFlight(ctx context.Context) ([]uuid.UUID, error)

	// ReplaceChunks atomically deletes any existing chunks for the document,
	// writes the new set, updates document stats, and transitions the
	// document from running to completed, all in one transaction.
	ReplaceChunks(ctx context.Context, doc *Document, chunks []*Chunk) error

	GetChunks(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]*Chunk, error)
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error

	// KeywordSearch runs a sanitized full-text query against the owner's
	// chunk index with BM25-style ranking.
	KeywordSearch(ctx context.Context, ownerID uuid.UUID, collectionID *uuid.UUID, query string, limit int) ([]KeywordResult, error)
}

// ChatRepository defines operations for chat session persistence
type ChatRepository interface {
	CreateSession(ctx context.Context, s *ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*ChatSession, error)
	ListSessions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*ChatSession, int, error)
	UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	AppendMessage(ctx context.Context, m *ChatMessage) error
	GetMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*ChatMessage, error)
}

// JobRepository defines operations for ingestion job records
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	// Delete removes a job record that never ran, such as one created for an
	// enqueue that was rolled back.
	Delete(ctx context.Context, id uuid.UUID) error
	GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*Job, error)
	CountAttempts(ctx context.Context, documentID uuid.UUID) (int, error)
}

// GraphRepository defines operations for the per-collection entity graph
type GraphRepository interface {
	ReplaceDocumentGraph(ctx context.Context, collectionID, documentID uuid.UUID, entities []*GraphEntity, edges []*GraphEdge) error
	FindEntities(ctx context.Context, collectionID uuid.UUID, names []string) ([]*GraphEntity, error)
	NeighbourChunkIDs(ctx context.Context, collectionID uuid.UUID, entityIDs []uuid.UUID, limit int) ([]uuid.UUID, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}
