// Package retrieval implements multi-mode search over ingested chunks:
// semantic, keyword, hybrid (RRF fusion), hierarchical, and graph-augmented
// retrieval, with optional LLM reranking and a Redis result cache in front.
package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
)

// Search modes
const (
	ModeSemantic     = "semantic"
	ModeKeyword      = "keyword"
	ModeHybrid       = "hybrid"
	ModeHierarchical = "hierarchical"
	ModeGraph        = "graph"
)

// Request limits
const (
	MaxQueryLength    = 1000
	MaxTopK           = 100
	MaxFilterValues   = 256
	MaxFilterValueLen = 256
)

// rrfK is the reciprocal rank fusion constant. 60 is the standard value
// from the original RRF paper and keeps any single list from dominating.
const rrfK = 60

// Request is a search request. OwnerID comes from the authenticated caller,
// never from the request body.
type Request struct {
	OwnerID      uuid.UUID
	CollectionID *uuid.UUID
	Query        string
	Mode         string
	TopK         int
	Filters      map[string][]string
	Rerank       bool

	// EmbeddingDim is the target collection's configured dimension; when
	// set, query embeddings that do not match it are rejected rather than
	// sent to the vector store.
	EmbeddingDim int

	// GraphEnabled mirrors the collection's graph opt-in. Graph mode on a
	// collection without graph data falls back to semantic search.
	GraphEnabled bool
}

// Result is one scored chunk
type Result struct {
	ChunkID    uuid.UUID         `json:"chunk_id"`
	DocumentID uuid.UUID         `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Response is a completed search
type Response struct {
	Results []Result `json:"results"`
	Mode    string   `json:"mode"`
	Cached  bool     `json:"cached"`
	TookMS  int64    `json:"took_ms"`
}

var validModes = map[string]bool{
	ModeSemantic:     true,
	ModeKeyword:      true,
	ModeHybrid:       true,
	ModeHierarchical: true,
	ModeGraph:        true,
}

// validate normalizes and checks the request against engine limits
func (e *Engine) validate(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return apperr.Validation("invalid_query", "query must not be empty")
	}
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return apperr.Validation("invalid_query",
			fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
	}

	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if !validModes[req.Mode] {
		return apperr.Validation("invalid_mode", fmt.Sprintf("unknown search mode %q", req.Mode))
	}

	if req.TopK == 0 {
		req.TopK = e.defaultTopK
	}
	if req.TopK < 1 || req.TopK > MaxTopK {
		return apperr.Validation("invalid_top_k",
			fmt.Sprintf("top_k must be between 1 and %d", MaxTopK))
	}

	if req.CollectionID == nil && req.Mode != ModeKeyword {
		return apperr.Validation("collection_required",
			fmt.Sprintf("%s search requires a collection_id", req.Mode))
	}

	totalValues := 0
	for key, values := range req.Filters {
		if !e.filterKeys[key] {
			return apperr.Validation("invalid_filter",
				fmt.Sprintf("filter key %q is not filterable", key))
		}
		if len(values) == 0 {
			return apperr.Validation("invalid_filter",
				fmt.Sprintf("filter %q has no values", key))
		}
		for _, v := range values {
			if v == "" || len(v) > MaxFilterValueLen {
				return apperr.Validation("invalid_filter",
					fmt.Sprintf("filter %q has an empty or oversized value", key))
			}
		}
		totalValues += len(values)
	}
	if totalValues > MaxFilterValues {
		return apperr.Validation("invalid_filter",
			fmt.Sprintf("filters exceed %d total values", MaxFilterValues))
	}

	return nil
}

// matchesFilters checks chunk metadata against the request filters, used by
// paths that cannot push filters into the store.
func matchesFilters(metadata map[string]string, filters map[string][]string) bool {
	for key, values := range filters {
		actual, ok := metadata[key]
		if !ok {
			return false
		}
		matched := false
		for _, v := range values {
			if actual == v {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// fuseRRF merges ranked lists with reciprocal rank fusion. Ties break on
// (document id, chunk index) so identical inputs always produce identical
// output order.
func fuseRRF(lists ...[]Result) []Result {
	type fused struct {
		result Result
		score  float32
	}
	byChunk := make(map[uuid.UUID]*fused)

	for _, list := range lists {
		for rank, result := range list {
			contribution := float32(1) / float32(rrfK+rank+1)
			if f, ok := byChunk[result.ChunkID]; ok {
				f.score += contribution
			} else {
				byChunk[result.ChunkID] = &fused{result: result, score: contribution}
			}
		}
	}

	merged := make([]Result, 0, len(byChunk))
	for _, f := range byChunk {
		f.result.Score = f.score
		merged = append(merged, f.result)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].DocumentID != merged[j].DocumentID {
			return merged[i].DocumentID.String() < merged[j].DocumentID.String()
		}
		return merged[i].ChunkIndex < merged[j].ChunkIndex
	})

	return merged
}

// dedupResults drops results that are near-duplicates of a higher-ranked
// result. Overlapping chunks from adjacent windows add no information to
// the caller.
func dedupResults(results []Result) []Result {
	if len(results) <= 1 {
		return results
	}

	kept := make([]Result, 0, len(results))
	keptSets := make([]map[string]bool, 0, len(results))

	for _, result := range results {
		set := wordSet(result.Content)
		duplicate := false
		for _, other := range keptSets {
			if jaccard(set, other) >= 0.7 {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, result)
		keptSets = append(keptSets, set)
	}

	return kept
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		set[word] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// sanitizeKeywordQuery strips tsquery control characters. The repository
// already uses websearch_to_tsquery, which treats input as plain search
// syntax; this removes the operators that syntax still honours.
func sanitizeKeywordQuery(query string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '&', '|', '!', '(', ')', ':', '*', '<', '>', '\'', '\\':
			return ' '
		}
		return r
	}, query)
}
