package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

type sessionResponse struct {
	ID           uuid.UUID  `json:"id"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`
	Title        string     `json:"title"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toSessionResponse(sess *repository.ChatSession) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		CollectionID: sess.CollectionID,
		Title:        sess.Title,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

// ownedSession loads a chat session and enforces ownership
func (s *Server) ownedSession(r *http.Request) (*repository.ChatSession, error) {
	id, err := uuidParam(r, "sessionID")
	if err != nil {
		return nil, err
	}
	sess, err := s.chats.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	principal := principalFrom(r.Context())
	if principal == nil || sess.OwnerID != principal.UserID {
		return nil, apperr.NotFound("session")
	}
	return sess, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	limit, offset := pagination(r, 20, 100)

	sessions, total, err := s.chats.ListSessions(r.Context(), principal.UserID, limit, offset)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := make([]sessionResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = toSessionResponse(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	limit, _ := pagination(r, 50, 200)
	messages, err := s.chats.GetMessages(r.Context(), sess.ID, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	type messageResponse struct {
		ID        uuid.UUID             `json:"id"`
		Role      string                `json:"role"`
		Content   string                `json:"content"`
		Sources   []repository.ChunkRef `json:"sources,omitempty"`
		Position  int                   `json:"position"`
		CreatedAt time.Time             `json:"created_at"`
	}
	out := make([]messageResponse, len(messages))
	for i, m := range messages {
		out[i] = messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Sources:   m.Sources,
			Position:  m.Position,
			CreatedAt: m.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  toSessionResponse(sess),
		"messages": out,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.chats.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
