package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/chat"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// handleChat runs one chat turn and streams the answer as server-sent events.
// Request errors surface as a plain JSON error response before any SSE bytes
// are written; failures mid-stream become error frames.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req struct {
		SessionID    *uuid.UUID `json:"session_id"`
		CollectionID *uuid.UUID `json:"collection_id"`
		Message      string     `json:"message"`
		Mode         string     `json:"mode"`
		TopK         int        `json:"top_k"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if req.CollectionID != nil {
		if _, err := s.ownedCollectionByID(r, *req.CollectionID); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.logger, errStreamingUnsupported)
		return
	}

	events, err := s.chat.Stream(r.Context(), chat.Request{
		OwnerID:      principal.UserID,
		SessionID:    req.SessionID,
		CollectionID: req.CollectionID,
		Message:      req.Message,
		Mode:         req.Mode,
		TopK:         req.TopK,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		writeSSEFrame(w, s.logger, ev)
		flusher.Flush()
	}
}

var errStreamingUnsupported = apperr.New(apperr.KindInternal, "streaming_unsupported",
	"response writer does not support streaming")

// chatFrame is the wire shape of one SSE data payload. session_id rides only
// on the done frame; intermediate frames stay minimal.
type chatFrame struct {
	Type      string                `json:"type"`
	Delta     string                `json:"content,omitempty"`
	Sources   []repository.ChunkRef `json:"sources,omitempty"`
	SessionID *uuid.UUID            `json:"session_id,omitempty"`
	MessageID *uuid.UUID            `json:"message_id,omitempty"`
	Error     *errorBody            `json:"error,omitempty"`
}

func writeSSEFrame(w http.ResponseWriter, logger *slog.Logger, ev chat.Event) {
	frame := chatFrame{
		Type:    ev.Type,
		Delta:   ev.Delta,
		Sources: ev.Sources,
	}
	if ev.Type == chat.EventSources && frame.Sources == nil {
		frame.Sources = []repository.ChunkRef{}
	}
	if ev.Type == chat.EventDone && ev.SessionID != uuid.Nil {
		id := ev.SessionID
		frame.SessionID = &id
	}
	if ev.Message != nil {
		frame.MessageID = &ev.Message.ID
	}
	if ev.Err != nil {
		e := apperr.AsError(ev.Err)
		frame.Error = &errorBody{
			Type:    string(e.Kind),
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
		}
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Warn("failed to encode chat frame", "error", err)
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
