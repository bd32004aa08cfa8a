package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mnemosyne-ai/mnemosyne/internal/llm"
)

// LLMReranker uses an LLM to re-score query-document pairs. The model sees
// query and document together, which catches relevance that embedding
// distance alone misses.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     "llama3.2",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores each document's relevance to the query. A malformed model
// response falls back to the incoming scores rather than failing.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topK > len(docs) {
		topK = len(docs)
	}

	prompt := r.buildPrompt(query, docs)

	response, err := r.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank generation failed: %w", err)
	}

	scores, err := parseScores(response, len(docs))
	if err != nil {
		return truncate(docs, topK), nil
	}

	reranked := make([]Document, len(docs))
	copy(reranked, docs)
	for i := range reranked {
		reranked[i].Score = scores[i]
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	return truncate(reranked, topK), nil
}

func truncate(docs []Document, topK int) []Document {
	if len(docs) > topK {
		return docs[:topK]
	}
	return docs
}

func (r *LLMReranker) buildPrompt(query string, docs []Document) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, doc := range docs {
		// Truncate content to avoid token limits
		content := doc.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

func parseScores(response string, numDocs int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Unwrap markdown code fences if present.
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, numDocs)
	for i := range scores {
		scores[i] = 0.5 // Default for entries the model skipped
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= numDocs {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.DocIndex] = score
	}

	return scores, nil
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
