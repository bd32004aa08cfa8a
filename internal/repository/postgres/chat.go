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

// ChatRepo implements repository.ChatRepository
type ChatRepo struct {
	db *DB
}

// NewChatRepo creates a new chat repository
func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateSession creates a new chat session
func (r *ChatRepo) CreateSession(ctx context.Context, s *repository.ChatSession) error {
	query := `
		INSERT INTO chat_sessions (id, owner_id, collection_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ID, s.OwnerID, s.CollectionID, s.Title, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat session: %w", err)
	}
	return nil
}

// GetSession retrieves a chat session by ID
func (r *ChatRepo) GetSession(ctx context.Context, id uuid.UUID) (*repository.ChatSession, error) {
	query := `
		SELECT id, owner_id, collection_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE id = $1
	`
	var s repository.ChatSession
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.OwnerID, &s.CollectionID, &s.Title, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return &s, nil
}

// ListSessions retrieves sessions for an owner, most recently active first
func (r *ChatRepo) ListSessions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*repository.ChatSession, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE owner_id = $1`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count chat sessions: %w", err)
	}

	query := `
		SELECT id, owner_id, collection_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.ChatSession
	for rows.Next() {
		var s repository.ChatSession
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.CollectionID, &s.Title,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan chat session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, total, nil
}

// UpdateSessionTitle sets the derived title on a session
func (r *ChatRepo) UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSession deletes a session. Messages cascade via foreign keys.
func (r *ChatRepo) DeleteSession(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendMessage appends a message to a session and bumps the session's
// updated_at so recency ordering holds.
func (r *ChatRepo) AppendMessage(ctx context.Context, m *repository.ChatMessage) error {
	sourcesJSON, err := json.Marshal(m.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Position is assigned inside the transaction so concurrent appends to
	// the same session cannot collide.
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM chat_messages WHERE session_id = $1`,
		m.SessionID).Scan(&m.Position)
	if err != nil {
		return fmt.Errorf("failed to assign message position: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, sources, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.SessionID, m.Role, m.Content, sourcesJSON, m.Position, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1`, m.SessionID)
	if err != nil {
		return fmt.Errorf("failed to bump session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// GetMessages retrieves the most recent messages in position order
func (r *ChatRepo) GetMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*repository.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, content, sources, position, created_at
		FROM (
			SELECT id, session_id, role, content, sources, position, created_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY position DESC
			LIMIT $2
		) recent
		ORDER BY position
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*repository.ChatMessage
	for rows.Next() {
		var m repository.ChatMessage
		var sourcesJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&sourcesJSON, &m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(sourcesJSON, &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, nil
}

// Ensure ChatRepo implements the interface
var _ repository.ChatRepository = (*ChatRepo)(nil)
