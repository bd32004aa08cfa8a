package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/retrieval"
)

// handleSearch runs a retrieval request scoped to the caller
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req struct {
		CollectionID *uuid.UUID          `json:"collection_id"`
		Query        string              `json:"query"`
		Mode         string              `json:"mode"`
		TopK         *int                `json:"top_k"`
		Filters      map[string][]string `json:"filters"`
		Rerank       bool                `json:"rerank"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	// An omitted top_k falls back to the engine default; an explicit zero is
	// a range error.
	topK := 0
	if req.TopK != nil {
		topK = *req.TopK
		if topK == 0 {
			writeError(w, s.logger, apperr.Validation("invalid_top_k",
				fmt.Sprintf("top_k must be between 1 and %d", retrieval.MaxTopK)))
			return
		}
	}

	var embeddingDim int
	var graphEnabled bool
	if req.CollectionID != nil {
		col, err := s.ownedCollectionByID(r, *req.CollectionID)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		embeddingDim = col.Config.EmbeddingDim
		graphEnabled = col.Config.GraphEnabled
	}

	resp, err := s.engine.Search(r.Context(), retrieval.Request{
		OwnerID:      principal.UserID,
		CollectionID: req.CollectionID,
		Query:        req.Query,
		Mode:         req.Mode,
		TopK:         topK,
		Filters:      req.Filters,
		Rerank:       req.Rerank,
		EmbeddingDim: embeddingDim,
		GraphEnabled: graphEnabled,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ownedCollectionByID enforces ownership for a collection referenced in a
// request body rather than the path
func (s *Server) ownedCollectionByID(r *http.Request, id uuid.UUID) (*repository.Collection, error) {
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
