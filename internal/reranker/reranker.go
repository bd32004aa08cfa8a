// Package reranker re-scores retrieval candidates against the query with a
// cross-encoder style LLM pass. Reranking is best-effort: any failure falls
// back to the original scores so retrieval never fails on account of it.
package reranker

import "context"

// Document is one candidate to score. Index identifies it back to the caller.
type Document struct {
	Index   int
	Content string
	Score   float32
}

// Reranker re-orders documents by relevance to the query and truncates to topK
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Document, error)
}
