package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad_input", "nope"), http.StatusBadRequest},
		{"authentication", Authentication("who"), http.StatusUnauthorized},
		{"permission", Permission("no"), http.StatusForbidden},
		{"not found", NotFound("document"), http.StatusNotFound},
		{"rate limited", New(KindRateLimited, "slow_down", "later"), http.StatusTooManyRequests},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError},
		{"unclassified", errors.New("raw"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("context: %w", NotFound("chunk")), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNotFoundCode(t *testing.T) {
	e := NotFound("collection")
	if e.Code != "collection_not_found" {
		t.Errorf("Code = %q", e.Code)
	}
}

func TestInternalHidesCause(t *testing.T) {
	cause := errors.New("connection refused to db-prod-3")
	e := Internal(cause)

	if e.Message != "internal server error" {
		t.Errorf("Message = %q, must stay generic", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Error("cause lost from chain")
	}
}

func TestWithCauseDoesNotMutate(t *testing.T) {
	base := Validation("bad", "original")
	derived := base.WithCause(errors.New("cause"))

	if base.Unwrap() != nil {
		t.Error("WithCause mutated the receiver")
	}
	if derived.Unwrap() == nil {
		t.Error("derived error lost its cause")
	}
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := Validation("bad", "original")
	derived := base.WithDetail("field", "email")

	if len(base.Details) != 0 {
		t.Error("WithDetail mutated the receiver")
	}
	if derived.Details["field"] != "email" {
		t.Errorf("Details = %v", derived.Details)
	}
}

func TestAsError(t *testing.T) {
	e := AsError(errors.New("raw failure"))
	if e.Kind != KindInternal {
		t.Errorf("Kind = %q, want internal", e.Kind)
	}
	if e.Message == "raw failure" {
		t.Error("raw message leaked into the surfaced error")
	}

	original := Permission("denied")
	if AsError(fmt.Errorf("wrap: %w", original)) != original {
		t.Error("AsError should unwrap to the original classified error")
	}
}
