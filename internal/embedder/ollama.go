package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama defaults. nomic-embed-text is the model the ingestion pipeline is
// tuned for out of the box.
const (
	DefaultOllamaBaseURL   = "http://localhost:11434"
	DefaultOllamaModel     = "nomic-embed-text"
	DefaultOllamaDimension = 768
)

// OllamaConfig configures the Ollama embedder
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// Dimension is the expected vector width; responses of any other width
	// are rejected so a misconfigured model fails loudly instead of filling
	// the index with unsearchable vectors.
	Dimension int

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// OllamaEmbedder embeds text through Ollama's /api/embed endpoint. The
// endpoint takes a list of inputs, so a whole ingestion batch is one round
// trip.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// NewOllamaEmbedder creates an Ollama embedder, applying defaults for unset
// fields.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	e := &OllamaEmbedder{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    cfg.HTTPClient,
	}
	if e.baseURL == "" {
		e.baseURL = DefaultOllamaBaseURL
	}
	if e.model == "" {
		e.model = DefaultOllamaModel
	}
	if e.dimension <= 0 {
		e.dimension = DefaultOllamaDimension
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 2 * time.Minute}
	}
	return e
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds a single text
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds all texts in one API call
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, detail)
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(decoded.Embeddings), len(texts))
	}
	for i, vector := range decoded.Embeddings {
		if len(vector) != e.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vector), e.dimension)
		}
	}

	return decoded.Embeddings, nil
}

// Dimension returns the configured vector width
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the embedding model name
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*OllamaEmbedder)(nil)
