// Package capability defines the provider-facing interfaces of the agent:
// text generation, embedding, fact extraction, and device control.
package capability

import (
	"context"
	"encoding/json"

	"github.com/hearthd/hearth/internal/conversation"
)

// ToolSpec describes one invocable device operation in the shape the
// generation provider expects (JSON-schema parameters).
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

// GenerateRequest carries everything one generation call needs. Turns is
// the validated context window; MemoryContext is the recalled-fact block
// injected ahead of it, empty when recall found nothing.
type GenerateRequest struct {
	SystemPrompt  string
	MemoryContext string
	Turns         []conversation.Turn
	Tools         []ToolSpec
}

// Generator produces the next assistant turn for a window. The returned
// turn contains text blocks, tool-call blocks, or both.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (conversation.Turn, error)
}

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor distills durable facts from a user turn under the active
// guideline. An empty slice means nothing was worth keeping.
type Extractor interface {
	Extract(ctx context.Context, turn conversation.Turn, guideline string) ([]string, error)
}

// DeviceController executes tool calls against the home.
type DeviceController interface {
	Specs() []ToolSpec
	Invoke(ctx context.Context, name string, input json.RawMessage) (string, error)
}
