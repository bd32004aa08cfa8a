package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama defaults. Generation temperature is kept low so retrieval-grounded
// answers stay factual.
const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultModel         = "llama3.2"
	DefaultTemperature   = 0.3
)

// OllamaConfig configures the Ollama client
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string

	// Model is the default generation model; GenerateOptions.Model overrides
	// it per call.
	Model string

	// HTTPClient overrides the default client. Streaming requests ignore the
	// client timeout and rely on context cancellation.
	HTTPClient *http.Client
}

// OllamaClient generates text through Ollama's /api/generate endpoint
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates an Ollama client, applying defaults for unset
// fields.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	c := &OllamaClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultOllamaBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 5 * time.Minute}
	}
	return c
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate returns the complete response for a prompt
func (c *OllamaClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	resp, err := c.send(ctx, c.client, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return decoded.Response, nil
}

// GenerateStream streams the response token by token. Ollama emits one JSON
// object per line; each becomes a StreamChunk. The channel closes after the
// final chunk or an error chunk.
func (c *OllamaClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	// No client timeout on streams: generation legitimately outlives any
	// fixed deadline, and the request context already propagates cancellation
	// into the body reader.
	resp, err := c.send(ctx, &http.Client{}, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var line ollamaGenerateResponse
			if err := decoder.Decode(&line); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				// A cancelled context surfaces as a read error on the body.
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				select {
				case chunks <- StreamChunk{Error: err, Done: true}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case chunks <- StreamChunk{Token: line.Response, Done: line.Done}:
			case <-ctx.Done():
				return
			}
			if line.Done {
				return
			}
		}
	}()

	return chunks, nil
}

func (c *OllamaClient) send(ctx context.Context, client *http.Client, prompt string, opts GenerateOptions, stream bool) (*http.Response, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.SystemPrompt,
		Stream: stream,
	}
	options := make(map[string]any)
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama generate returned %d: %s", resp.StatusCode, detail)
	}
	return resp, nil
}

var _ LLM = (*OllamaClient)(nil)
