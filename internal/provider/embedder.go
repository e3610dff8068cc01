// Package provider implements the capability interfaces against
// OpenAI-compatible APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/fault"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// EmbedderClient calls an OpenAI-compatible /v1/embeddings endpoint.
type EmbedderClient struct {
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewEmbedder builds an embedder from config, falling back to the main
// provider credentials when the memory tier has none of its own.
func NewEmbedder(cfg *config.Config) *EmbedderClient {
	c := &EmbedderClient{
		model:      defaultEmbeddingModel,
		httpClient: &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond},
	}
	if cfg == nil {
		return c
	}

	emb := cfg.Memory.Embedding
	c.baseURL = firstNonEmpty(emb.BaseURL, memoryBaseURL(cfg), cfg.Provider.BaseURL, "https://api.openai.com")
	c.apiKey = firstNonEmpty(emb.APIKey, memoryAPIKey(cfg), cfg.Provider.APIKey)
	if model := strings.TrimSpace(emb.Model); model != "" {
		c.model = model
	}
	c.expectedDim = emb.Dimension
	if emb.TimeoutMs > 0 {
		c.httpClient.Timeout = time.Duration(emb.TimeoutMs) * time.Millisecond
	}
	return c
}

// Embed returns the vector for one text.
func (c *EmbedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("empty text")}
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("missing api key")}
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: trimmed})
	if err != nil {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(c.baseURL, "embeddings"), bytes.NewReader(payload))
	if err != nil {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &fault.CapabilityError{
			Capability: "embedding",
			Err:        fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, &fault.CapabilityError{Capability: "embedding", Err: fmt.Errorf("empty embedding in response")}
	}
	vector := decoded.Data[0].Embedding
	if c.expectedDim > 0 && len(vector) != c.expectedDim {
		return nil, &fault.CapabilityError{
			Capability: "embedding",
			Err:        fmt.Errorf("dimension mismatch: got %d want %d", len(vector), c.expectedDim),
		}
	}
	return vector, nil
}

// endpointURL joins a configured base with a v1 API path. Bases are
// accepted with or without a trailing /v1, so one custom base URL serves
// the embedding, extraction, and generation clients alike.
func endpointURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + "/v1/" + path
}

func memoryAPIKey(cfg *config.Config) string {
	if cfg.Memory.Provider == nil {
		return ""
	}
	return cfg.Memory.Provider.APIKey
}

func memoryBaseURL(cfg *config.Config) string {
	if cfg.Memory.Provider == nil {
		return ""
	}
	return cfg.Memory.Provider.BaseURL
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
