package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/mnemosyne-ai/mnemosyne/internal/llm"
)

// scriptedLLM returns a fixed response for every Generate call
type scriptedLLM struct {
	response string
	err      error
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return s.response, s.err
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Token: s.response, Done: true}
	close(ch)
	return ch, nil
}

func sampleDocs() []Document {
	return []Document{
		{Index: 0, Content: "first", Score: 0.9},
		{Index: 1, Content: "second", Score: 0.8},
		{Index: 2, Content: "third", Score: 0.7},
	}
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name     string
		response string
		numDocs  int
		want     []float32
		wantErr  bool
	}{
		{
			name:     "plain json",
			response: `{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.2}]}`,
			numDocs:  2,
			want:     []float32{0.9, 0.2},
		},
		{
			name:     "json code fence",
			response: "Here you go:\n```json\n{\"scores\": [{\"doc_index\": 0, \"score\": 0.5}]}\n```",
			numDocs:  1,
			want:     []float32{0.5},
		},
		{
			name:     "bare code fence",
			response: "```\n{\"scores\": [{\"doc_index\": 0, \"score\": 1.0}]}\n```",
			numDocs:  1,
			want:     []float32{1.0},
		},
		{
			name:     "scores clamped to unit interval",
			response: `{"scores": [{"doc_index": 0, "score": 1.7}, {"doc_index": 1, "score": -0.4}]}`,
			numDocs:  2,
			want:     []float32{1.0, 0.0},
		},
		{
			name:     "skipped entries default to 0.5",
			response: `{"scores": [{"doc_index": 2, "score": 0.8}]}`,
			numDocs:  3,
			want:     []float32{0.5, 0.5, 0.8},
		},
		{
			name:     "out of range indexes ignored",
			response: `{"scores": [{"doc_index": -1, "score": 0.1}, {"doc_index": 5, "score": 0.1}, {"doc_index": 0, "score": 0.3}]}`,
			numDocs:  1,
			want:     []float32{0.3},
		},
		{
			name:     "prose instead of json",
			response: "The first document is clearly the most relevant.",
			numDocs:  2,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScores(tt.response, tt.numDocs)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScores() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d scores, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("score[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRerankReorders(t *testing.T) {
	model := &scriptedLLM{
		response: `{"scores": [{"doc_index": 0, "score": 0.1}, {"doc_index": 1, "score": 0.9}, {"doc_index": 2, "score": 0.5}]}`,
	}
	r := NewLLMReranker(model)

	out, err := r.Rerank(context.Background(), "q", sampleDocs(), 3)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Index != 1 || out[1].Index != 2 || out[2].Index != 0 {
		t.Errorf("order = %d, %d, %d", out[0].Index, out[1].Index, out[2].Index)
	}
	if out[0].Score != 0.9 {
		t.Errorf("top score = %v", out[0].Score)
	}
}

func TestRerankTruncatesToTopK(t *testing.T) {
	model := &scriptedLLM{
		response: `{"scores": [{"doc_index": 0, "score": 0.3}, {"doc_index": 1, "score": 0.9}, {"doc_index": 2, "score": 0.6}]}`,
	}
	r := NewLLMReranker(model)

	out, err := r.Rerank(context.Background(), "q", sampleDocs(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Index != 1 || out[1].Index != 2 {
		t.Errorf("order = %d, %d", out[0].Index, out[1].Index)
	}
}

func TestRerankMalformedResponseFallsBack(t *testing.T) {
	model := &scriptedLLM{response: "no json here"}
	r := NewLLMReranker(model)

	docs := sampleDocs()
	out, err := r.Rerank(context.Background(), "q", docs, 2)
	if err != nil {
		t.Fatalf("fallback must not error, got %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	// Original order preserved on fallback.
	if out[0].Index != 0 || out[1].Index != 1 {
		t.Errorf("order = %d, %d", out[0].Index, out[1].Index)
	}
	if out[0].Score != 0.9 {
		t.Errorf("fallback must keep incoming scores, got %v", out[0].Score)
	}
}

func TestRerankGenerationError(t *testing.T) {
	model := &scriptedLLM{err: errors.New("model offline")}
	r := NewLLMReranker(model)

	if _, err := r.Rerank(context.Background(), "q", sampleDocs(), 2); err == nil {
		t.Error("generation failure must surface as an error")
	}
}

func TestRerankEmptyDocs(t *testing.T) {
	r := NewLLMReranker(&scriptedLLM{})
	out, err := r.Rerank(context.Background(), "q", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("out = %v, want nil", out)
	}
}
