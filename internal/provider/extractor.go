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
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
)

const extractionPrompt = `You are a memory curation engine for a home assistant. Decide whether the
user's message contains durable facts worth remembering across conversations.

Guidelines:
%s

Return strict JSON object: {"facts":["...", "..."]}
Return {"facts":[]} when nothing qualifies.

User message:
%s`

// ExtractorClient distills durable facts from user turns with a JSON-mode
// chat completion against an OpenAI-compatible endpoint.
type ExtractorClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewExtractor builds an extractor from config, preferring the memory
// tier's own provider and model when configured.
func NewExtractor(cfg *config.Config) *ExtractorClient {
	c := &ExtractorClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg == nil {
		return c
	}

	c.apiKey = firstNonEmpty(memoryAPIKey(cfg), cfg.Provider.APIKey)
	c.baseURL = firstNonEmpty(memoryBaseURL(cfg), cfg.Provider.BaseURL, "https://api.openai.com")
	c.model = firstNonEmpty(cfg.Memory.Model, cfg.Agent.Model)
	if cfg.Memory.MaxTokens > 0 {
		c.maxTokens = cfg.Memory.MaxTokens
	} else {
		c.maxTokens = cfg.Agent.MaxTokens
	}
	return c
}

// Extract returns the facts found in one user turn, possibly none.
func (c *ExtractorClient) Extract(ctx context.Context, turn conversation.Turn, guideline string) ([]string, error) {
	text := strings.TrimSpace(turn.Text())
	if text == "" {
		return nil, nil
	}

	content, err := c.complete(ctx, fmt.Sprintf(extractionPrompt, guideline, text))
	if err != nil {
		return nil, &fault.CapabilityError{Capability: "extraction", Err: err}
	}

	var out struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, &fault.CapabilityError{Capability: "extraction", Err: fmt.Errorf("parse result: %w", err)}
	}

	facts := make([]string, 0, len(out.Facts))
	for _, fact := range out.Facts {
		if trimmed := strings.TrimSpace(fact); trimmed != "" {
			facts = append(facts, trimmed)
		}
	}
	return facts, nil
}

func (c *ExtractorClient) complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing api key")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return "", fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(c.baseURL, "chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extraction http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
