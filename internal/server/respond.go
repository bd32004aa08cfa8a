package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// errorEnvelope is the wire shape of every error response
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string         `json:"type"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("failed to encode response", "error", err)
		}
	}
}

// writeError maps any error to the envelope. Repository sentinels get their
// standard translations; everything unrecognized becomes an opaque internal
// error so raw messages never leak.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		err = apperr.NotFound("resource")
	case errors.Is(err, repository.ErrConflict):
		err = apperr.New(apperr.KindValidation, "conflict", "resource conflicts with existing state")
	}

	e := apperr.AsError(err)
	if e.Kind == apperr.KindInternal {
		logger.Error("request failed", "error", err)
	}

	writeJSON(w, apperr.HTTPStatus(e), errorEnvelope{Error: errorBody{
		Type:    string(e.Kind),
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}})
}

// decodeJSON decodes a request body, rejecting unknown fields
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid_json", "request body is not valid JSON").WithCause(err)
	}
	return nil
}
