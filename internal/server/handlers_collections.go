package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// MaxCollectionNameLength bounds collection names
const MaxCollectionNameLength = 128

// pagination reads limit and offset query parameters with sane bounds
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

type collectionResponse struct {
	ID          uuid.UUID                   `json:"id"`
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Metadata    map[string]string           `json:"metadata,omitempty"`
	Config      repository.CollectionConfig `json:"config"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func toCollectionResponse(c *repository.Collection) collectionResponse {
	return collectionResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Metadata:    c.Metadata,
		Config:      c.Config,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// ownedCollection loads a collection and enforces ownership. Foreign
// collections read as not found so ids cannot be probed across owners.
func (s *Server) ownedCollection(r *http.Request) (*repository.Collection, error) {
	id, err := uuidParam(r, "collectionID")
	if err != nil {
		return nil, err
	}
	col, err := s.cols.GetByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	principal := principalFrom(r.Context())
	if principal == nil || col.OwnerID != principal.UserID {
		return nil, apperr.NotFound("collection")
	}
	return col, nil
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req struct {
		Name        string                       `json:"name"`
		Description string                       `json:"description"`
		Metadata    map[string]string            `json:"metadata"`
		Config      *repository.CollectionConfig `json:"config"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, s.logger, apperr.Validation("invalid_name", "collection name must not be empty"))
		return
	}
	if len(req.Name) > MaxCollectionNameLength {
		writeError(w, s.logger, apperr.Validation("invalid_name", "collection name is too long"))
		return
	}

	config := repository.CollectionConfig{}
	if req.Config != nil {
		config = *req.Config
	}
	if config.ChunkTargetTokens <= 0 {
		config.ChunkTargetTokens = s.config.DefaultChunkTokens
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkTargetTokens {
		writeError(w, s.logger, apperr.Validation("invalid_config", "chunk_overlap must be smaller than chunk_target_tokens"))
		return
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = s.config.DefaultChunkOverlap
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = s.config.DefaultEmbedModel
	}
	if config.EmbeddingDim <= 0 {
		config.EmbeddingDim = s.config.DefaultEmbedDim
	}

	now := time.Now()
	col := &repository.Collection{
		ID:          uuid.New(),
		OwnerID:     principal.UserID,
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.cols.Create(r.Context(), col); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.vectors.CreateCollection(r.Context(), col.ID, config.EmbeddingDim); err != nil {
		// The namespace is also created lazily at first ingest; a failure
		// here only delays it.
		s.logger.Warn("failed to create vector namespace", "collection_id", col.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, toCollectionResponse(col))
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	limit, offset := pagination(r, 20, 100)

	cols, total, err := s.cols.List(r.Context(), principal.UserID, limit, offset)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := make([]collectionResponse, len(cols))
	for i, c := range cols {
		out[i] = toCollectionResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": out,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.ownedCollection(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionResponse(col))
}

// handleUpdateCollection patches mutable fields. Ingestion settings are fixed
// at creation; changing the embedding space would orphan existing vectors.
func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.ownedCollection(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	var req struct {
		Name        *string            `json:"name"`
		Description *string            `json:"description"`
		Metadata    *map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > MaxCollectionNameLength {
			writeError(w, s.logger, apperr.Validation("invalid_name", "collection name must be 1 to 128 characters"))
			return
		}
		col.Name = name
	}
	if req.Description != nil {
		col.Description = *req.Description
	}
	if req.Metadata != nil {
		col.Metadata = *req.Metadata
	}
	col.UpdatedAt = time.Now()

	if err := s.cols.Update(r.Context(), col); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionResponse(col))
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.ownedCollection(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.cols.Delete(r.Context(), col.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.vectors.DeleteCollection(r.Context(), col.ID); err != nil {
		s.logger.Warn("failed to delete vector namespace", "collection_id", col.ID, "error", err)
	}
	if s.cache != nil {
		s.cache.InvalidateOwner(r.Context(), col.OwnerID)
	}

	w.WriteHeader(http.StatusNoContent)
}
