package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
	"github.com/mnemosyne-ai/mnemosyne/internal/ingestion"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

var validStatusFilters = map[string]bool{
	repository.DocStatusPending:   true,
	repository.DocStatusQueued:    true,
	repository.DocStatusRunning:   true,
	repository.DocStatusCompleted: true,
	repository.DocStatusFailed:    true,
	repository.DocStatusCancelled: true,
}

type documentResponse struct {
	ID             uuid.UUID                 `json:"id"`
	CollectionID   uuid.UUID                 `json:"collection_id"`
	Title          string                    `json:"title"`
	Filename       string                    `json:"filename,omitempty"`
	MIMEType       string                    `json:"mime_type,omitempty"`
	SizeBytes      int64                     `json:"size_bytes"`
	ContentHash    string                    `json:"content_hash"`
	Status         string                    `json:"status"`
	Metadata       map[string]string         `json:"metadata,omitempty"`
	ProcessingInfo repository.ProcessingInfo `json:"processing_info,omitempty"`
	ChunkCount     int                       `json:"chunk_count"`
	TotalTokens    int                       `json:"total_tokens"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	ProcessedAt    *time.Time                `json:"processed_at,omitempty"`
}

func toDocumentResponse(d *repository.Document) documentResponse {
	return documentResponse{
		ID:             d.ID,
		CollectionID:   d.CollectionID,
		Title:          d.Title,
		Filename:       d.Filename,
		MIMEType:       d.MIMEType,
		SizeBytes:      d.SizeBytes,
		ContentHash:    d.ContentHash,
		Status:         d.Status,
		Metadata:       d.Metadata,
		ProcessingInfo: d.ProcessingInfo,
		ChunkCount:     d.ChunkCount,
		TotalTokens:    d.TotalTokens,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ProcessedAt:    d.ProcessedAt,
	}
}

// ownedDocument loads a document and enforces ownership
func (s *Server) ownedDocument(r *http.Request) (*repository.Document, error) {
	id, err := uuidParam(r, "documentID")
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.GetByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	principal := principalFrom(r.Context())
	if principal == nil || doc.OwnerID != principal.UserID {
		return nil, apperr.NotFound("document")
	}
	return doc, nil
}

// handleUploadDocument accepts a multipart upload, stores the blob under its
// content hash, and queues the document for ingestion. An upload whose
// content already completed for this owner is rejected with the existing
// document's id.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, s.logger, uploadError(err))
		return
	}

	colID, err := uuid.Parse(r.FormValue("collection_id"))
	if err != nil {
		writeError(w, s.logger, apperr.Validation("missing_collection",
			"form field 'collection_id' must be a valid collection id"))
		return
	}
	col, err := s.ownedCollectionByID(r, colID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, s.logger, apperr.Validation("missing_file", "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, s.logger, uploadError(err))
		return
	}
	if len(content) == 0 {
		writeError(w, s.logger, apperr.Validation("empty_file", "uploaded file is empty"))
		return
	}

	metadata, err := parseMetadataField(r.FormValue("metadata"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	hash := blobstore.Key(content)

	if existing, err := s.docs.GetCompletedByHash(r.Context(), col.OwnerID, hash); err == nil {
		writeError(w, s.logger, apperr.Validation("duplicate_document",
			"identical content was already ingested").WithDetail("document_id", existing.ID))
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, s.logger, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(r.Context(), hash, contentType, bytes.NewReader(content)); err != nil {
		writeError(w, s.logger, apperr.Internal(err))
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	now := time.Now()
	doc := &repository.Document{
		ID:           uuid.New(),
		OwnerID:      col.OwnerID,
		CollectionID: col.ID,
		Title:        title,
		Filename:     header.Filename,
		MIMEType:     contentType,
		SizeBytes:    int64(len(content)),
		BlobKey:      hash,
		ContentHash:  hash,
		Status:       repository.DocStatusPending,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.docs.Create(r.Context(), doc); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.ingest.Submit(r.Context(), doc.ID); err != nil {
		if errors.Is(err, ingestion.ErrQueueFull) {
			// The document stays pending; a reprocess call can submit it
			// once the queue drains.
			writeError(w, s.logger, apperr.New(apperr.KindRateLimited, "queue_full",
				"ingestion queue is full, retry later"))
			return
		}
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

// uploadError distinguishes an oversize body from other read failures
func uploadError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return apperr.Validation("file_too_large", "uploaded file exceeds the size limit").
			WithDetail("limit_bytes", maxBytes.Limit)
	}
	return apperr.Validation("invalid_upload", "could not read multipart upload").WithCause(err)
}

// parseMetadataField decodes the optional metadata form field
func parseMetadataField(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, apperr.Validation("invalid_metadata", "metadata must be a JSON object of strings")
	}
	return metadata, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	colID, err := uuid.Parse(r.URL.Query().Get("collection_id"))
	if err != nil {
		writeError(w, s.logger, apperr.Validation("missing_collection",
			"query parameter 'collection_id' is required"))
		return
	}
	col, err := s.ownedCollectionByID(r, colID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !validStatusFilters[status] {
		writeError(w, s.logger, apperr.Validation("invalid_status", "unknown status filter: "+status))
		return
	}
	limit, offset := pagination(r, 20, 100)

	docs, total, err := s.docs.List(r.Context(), col.ID, status, limit, offset)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := make([]documentResponse, len(docs))
	for i, d := range docs {
		out[i] = toDocumentResponse(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// handleDocumentStatus reports the processing state, chunk counts, and the
// most recent job outcome
func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := map[string]any{
		"id":           doc.ID,
		"status":       doc.Status,
		"chunk_count":  doc.ChunkCount,
		"total_tokens": doc.TotalTokens,
		"processed_at": doc.ProcessedAt,
	}
	if doc.ProcessingInfo.Error != "" {
		resp["error"] = doc.ProcessingInfo.Error
	}
	if job, err := s.jobs.GetLatestByDocument(r.Context(), doc.ID); err == nil {
		resp["latest_job"] = map[string]any{
			"id":          job.ID,
			"state":       job.State,
			"attempt":     job.Attempt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"last_error":  job.LastError,
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("failed to load latest job", "document_id", doc.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePatchDocument updates the caller-editable fields. Content, chunking,
// and processing state only change through reprocessing.
func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	var req struct {
		Title    *string            `json:"title"`
		Metadata *map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, s.logger, apperr.Validation("invalid_title", "title must not be blank"))
			return
		}
		doc.Title = title
	}
	if req.Metadata != nil {
		doc.Metadata = *req.Metadata
	}

	if err := s.docs.Update(r.Context(), doc); err != nil {
		writeError(w, s.logger, err)
		return
	}
	doc.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.docs.Delete(r.Context(), doc.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	// Secondary stores are cleaned up best effort; the row is already gone
	// and orphans are harmless.
	if err := s.vectors.DeleteDocument(r.Context(), doc.CollectionID, doc.ID); err != nil {
		s.logger.Warn("failed to delete document vectors", "document_id", doc.ID, "error", err)
	}
	if err := s.blobs.Delete(r.Context(), doc.BlobKey); err != nil {
		s.logger.Warn("failed to delete document blob", "document_id", doc.ID, "error", err)
	}
	if s.cache != nil {
		s.cache.InvalidateOwner(r.Context(), doc.OwnerID)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.ingest.Cancel(r.Context(), doc.ID); err != nil {
		if errors.Is(err, ingestion.ErrNotCancellable) {
			writeError(w, s.logger, apperr.New(apperr.KindValidation, "not_cancellable",
				"document is not queued or running").WithDetail("status", doc.Status))
			return
		}
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": doc.ID, "status": repository.DocStatusCancelled})
}

// handleReprocessDocument runs ingestion again for a settled document
func (s *Server) handleReprocessDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch doc.Status {
	case repository.DocStatusPending:
		err = s.ingest.Submit(r.Context(), doc.ID)
	case repository.DocStatusFailed, repository.DocStatusCancelled:
		err = s.docs.TransitionStatus(r.Context(), doc.ID, doc.Status, repository.DocStatusPending)
		if err == nil {
			err = s.ingest.Submit(r.Context(), doc.ID)
		}
	case repository.DocStatusCompleted:
		err = s.docs.TransitionStatus(r.Context(), doc.ID, repository.DocStatusCompleted, repository.DocStatusPending)
		if err == nil {
			err = s.ingest.Submit(r.Context(), doc.ID)
		}
	default:
		writeError(w, s.logger, apperr.New(apperr.KindValidation, "not_reprocessable",
			"document is already queued or running").WithDetail("status", doc.Status))
		return
	}
	if err != nil {
		if errors.Is(err, ingestion.ErrQueueFull) {
			writeError(w, s.logger, apperr.New(apperr.KindRateLimited, "queue_full",
				"ingestion queue is full, retry later"))
			return
		}
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": doc.ID, "status": repository.DocStatusQueued})
}

func (s *Server) handleGetDocumentChunks(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	limit, offset := pagination(r, 50, 200)
	chunks, err := s.docs.GetChunks(r.Context(), doc.ID, limit, offset)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	type chunkResponse struct {
		ID         uuid.UUID         `json:"id"`
		ChunkIndex int               `json:"chunk_index"`
		Content    string            `json:"content"`
		TokenCount int               `json:"token_count"`
		Page       int               `json:"page,omitempty"`
		Section    string            `json:"section,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	}
	out := make([]chunkResponse, len(chunks))
	for i, c := range chunks {
		out[i] = chunkResponse{
			ID:         c.ID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Page:       c.Page,
			Section:    c.Section,
			Metadata:   c.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": doc.ID,
		"chunks":      out,
		"limit":       limit,
		"offset":      offset,
	})
}

// handleDocumentDownloadURL returns a time-limited URL for the original blob
func (s *Server) handleDocumentDownloadURL(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	url, err := s.blobs.SignedURL(r.Context(), doc.BlobKey, s.config.SignedURLTTL)
	if err != nil {
		writeError(w, s.logger, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().Add(s.config.SignedURLTTL),
	})
}
