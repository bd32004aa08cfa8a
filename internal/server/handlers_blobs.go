package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
)

// handleBlobDownload streams a blob for a signed filesystem URL. The S3
// backend presigns direct object URLs, so this route only serves the
// filesystem store. Authorization is the token itself, not the API key.
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	fsStore, ok := s.blobs.(*blobstore.FSStore)
	if !ok {
		writeError(w, s.logger, apperr.NotFound("blob"))
		return
	}

	key := chi.URLParam(r, "key")
	token := r.URL.Query().Get("token")
	if key == "" || token == "" {
		writeError(w, s.logger, apperr.Permission("missing download token"))
		return
	}

	if err := fsStore.VerifyToken(token, key); err != nil {
		writeError(w, s.logger, apperr.Permission("invalid or expired download token"))
		return
	}

	body, err := fsStore.Get(r.Context(), key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment")
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("blob download interrupted", "key", key, "error", err)
	}
}
