package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/auth"
)

// handleRegister creates a user and returns their first API key. The raw key
// appears in this response and nowhere else.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	user, rawKey, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
		"api_key": rawKey,
	})
}

// handleIssueKey mints an additional API key for the authenticated user
func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req struct {
		Scopes []string `json:"scopes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	for _, scope := range req.Scopes {
		switch scope {
		case auth.ScopeRead, auth.ScopeWrite, auth.ScopeAdmin:
		default:
			writeError(w, s.logger, apperr.Validation("invalid_scope", "unknown scope: "+scope))
			return
		}
	}

	rawKey, err := s.auth.IssueKey(r.Context(), principal.UserID, req.Scopes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"api_key": rawKey})
}

// uuidParam parses a chi route parameter as a UUID
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid_id", name+" is not a valid UUID")
	}
	return id, nil
}
