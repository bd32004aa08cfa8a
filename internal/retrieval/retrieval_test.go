package retrieval

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
)

func testEngine(filterKeys ...string) *Engine {
	return NewEngine(nil, nil, nil, nil, nil, nil, EngineConfig{
		DefaultTopK: 5,
		FilterKeys:  filterKeys,
	}, nil)
}

func TestValidate(t *testing.T) {
	collectionID := uuid.New()

	tests := []struct {
		name     string
		req      Request
		wantCode string
	}{
		{
			name: "defaults applied",
			req:  Request{Query: "hello", CollectionID: &collectionID},
		},
		{
			name:     "empty query",
			req:      Request{Query: "   ", CollectionID: &collectionID},
			wantCode: "invalid_query",
		},
		{
			name:     "query too long",
			req:      Request{Query: strings.Repeat("a", MaxQueryLength+1), CollectionID: &collectionID},
			wantCode: "invalid_query",
		},
		{
			name:     "unknown mode",
			req:      Request{Query: "hello", Mode: "psychic", CollectionID: &collectionID},
			wantCode: "invalid_mode",
		},
		{
			name:     "top_k over limit",
			req:      Request{Query: "hello", TopK: MaxTopK + 1, CollectionID: &collectionID},
			wantCode: "invalid_top_k",
		},
		{
			name:     "negative top_k",
			req:      Request{Query: "hello", TopK: -1, CollectionID: &collectionID},
			wantCode: "invalid_top_k",
		},
		{
			name:     "semantic requires collection",
			req:      Request{Query: "hello", Mode: ModeSemantic},
			wantCode: "collection_required",
		},
		{
			name: "keyword without collection is fine",
			req:  Request{Query: "hello", Mode: ModeKeyword},
		},
		{
			name: "whitelisted filter",
			req: Request{Query: "hello", CollectionID: &collectionID,
				Filters: map[string][]string{"source": {"wiki"}}},
		},
		{
			name: "unlisted filter key",
			req: Request{Query: "hello", CollectionID: &collectionID,
				Filters: map[string][]string{"secret": {"x"}}},
			wantCode: "invalid_filter",
		},
		{
			name: "filter with empty value",
			req: Request{Query: "hello", CollectionID: &collectionID,
				Filters: map[string][]string{"source": {""}}},
			wantCode: "invalid_filter",
		},
	}

	engine := testEngine("source", "title")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.validate(&tt.req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("validate() = %v, want nil", err)
				}
				if tt.req.Mode == "" {
					t.Error("mode default not applied")
				}
				if tt.req.TopK == 0 {
					t.Error("top_k default not applied")
				}
				return
			}
			var appErr *apperr.Error
			if !errors.As(err, &appErr) {
				t.Fatalf("validate() = %v, want *apperr.Error", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", appErr.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateDefaultsTopK(t *testing.T) {
	collectionID := uuid.New()
	engine := testEngine()

	req := Request{Query: "hello", CollectionID: &collectionID}
	if err := engine.validate(&req); err != nil {
		t.Fatalf("validate() = %v", err)
	}
	if req.TopK != 5 {
		t.Errorf("TopK = %d, want 5", req.TopK)
	}
	if req.Mode != ModeHybrid {
		t.Errorf("Mode = %q, want %q", req.Mode, ModeHybrid)
	}
}

func TestFuseRRF(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	chunk1 := Result{ChunkID: uuid.New(), DocumentID: docA, ChunkIndex: 0, Content: "one"}
	chunk2 := Result{ChunkID: uuid.New(), DocumentID: docA, ChunkIndex: 1, Content: "two"}
	chunk3 := Result{ChunkID: uuid.New(), DocumentID: docB, ChunkIndex: 0, Content: "three"}

	// chunk1 appears in both lists, so it must outrank single-list results.
	fused := fuseRRF([]Result{chunk1, chunk2}, []Result{chunk3, chunk1})

	if len(fused) != 3 {
		t.Fatalf("len(fused) = %d, want 3", len(fused))
	}
	if fused[0].ChunkID != chunk1.ChunkID {
		t.Errorf("top result = %v, want chunk1", fused[0].ChunkID)
	}

	wantTop := float32(1)/float32(rrfK+1) + float32(1)/float32(rrfK+2)
	if fused[0].Score != wantTop {
		t.Errorf("top score = %v, want %v", fused[0].Score, wantTop)
	}
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	docA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	docB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	chunkA := Result{ChunkID: uuid.New(), DocumentID: docA, ChunkIndex: 3}
	chunkB := Result{ChunkID: uuid.New(), DocumentID: docB, ChunkIndex: 1}

	// Equal ranks in separate lists produce equal scores.
	for i := 0; i < 10; i++ {
		fused := fuseRRF([]Result{chunkA}, []Result{chunkB})
		if fused[0].DocumentID != docA {
			t.Fatalf("iteration %d: tie broke to %v, want %v", i, fused[0].DocumentID, docA)
		}
	}
}

func TestDedupResults(t *testing.T) {
	base := "the quick brown fox jumps over the lazy dog near the river bank today"
	near := base + " again"
	distinct := "completely different content about database transaction isolation levels"

	results := []Result{
		{ChunkID: uuid.New(), Content: base, Score: 0.9},
		{ChunkID: uuid.New(), Content: near, Score: 0.8},
		{ChunkID: uuid.New(), Content: distinct, Score: 0.7},
	}

	deduped := dedupResults(results)
	if len(deduped) != 2 {
		t.Fatalf("len(deduped) = %d, want 2", len(deduped))
	}
	if deduped[0].Content != base {
		t.Error("higher-ranked duplicate was not the one kept")
	}
	if deduped[1].Content != distinct {
		t.Error("distinct result was dropped")
	}
}

func TestMatchesFilters(t *testing.T) {
	metadata := map[string]string{"source": "wiki", "language": "en"}

	tests := []struct {
		name    string
		filters map[string][]string
		want    bool
	}{
		{"no filters", nil, true},
		{"matching value", map[string][]string{"source": {"wiki"}}, true},
		{"any of several values", map[string][]string{"source": {"blog", "wiki"}}, true},
		{"wrong value", map[string][]string{"source": {"blog"}}, false},
		{"missing key", map[string][]string{"author": {"anyone"}}, false},
		{"all keys must match", map[string][]string{"source": {"wiki"}, "language": {"fr"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesFilters(metadata, tt.filters); got != tt.want {
				t.Errorf("matchesFilters() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeKeywordQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain words", "plain words"},
		{"a & b | c", "a   b   c"},
		{"drop:this!(now)", "drop this  now "},
		{"quo'ted \\ back", "quo ted   back"},
	}
	for _, tt := range tests {
		if got := sanitizeKeywordQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeKeywordQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("alpha beta gamma")
	b := wordSet("alpha beta delta")
	if got := jaccard(a, b); got != 0.5 {
		t.Errorf("jaccard = %v, want 0.5", got)
	}
	if got := jaccard(wordSet(""), wordSet("")); got != 1 {
		t.Errorf("jaccard of empty sets = %v, want 1", got)
	}
}
