package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultGuidelineText controls what the curator extracts into semantic
// memory when no guideline file is configured.
const DefaultGuidelineText = `MEMORY STORAGE GUIDELINES - Be Selective:
STORE in memory:
- User preferences (e.g., "prefers dark mode", "likes Italian food")
- Important facts about the user (e.g., "has a dog named Max", "lives in Seattle")
- Significant decisions or plans (e.g., "planning trip to Japan in spring")
- Recurring requests or patterns (e.g., "always asks for weather at 7am")
- Home automation preferences (e.g., "bedroom lights should be 50% brightness at night")
- Important context that should persist (e.g., "works from home on Mondays")

DO NOT STORE in memory:
- Greetings and casual conversation (e.g., "hello", "how are you", "thanks")
- Simple questions without context (e.g., "what's the weather?")
- One-time requests (e.g., "turn on the kitchen light")
- Temporary information (e.g., "I'm going to the store now")
- General knowledge questions (e.g., "what is the capital of France?")
- System status checks (e.g., "what devices are available?")

When users share important information, store it. When answering questions,
retrieve relevant memories to provide contextual, personalized responses.`

// Guideline is the versioned memory-storage policy. Version increases on
// every replacement so concurrent evaluations can tell which snapshot they
// were issued against.
type Guideline struct {
	Version int    `yaml:"version"`
	Text    string `yaml:"text"`
}

// DefaultGuideline returns the built-in policy at version 1.
func DefaultGuideline() Guideline {
	return Guideline{Version: 1, Text: DefaultGuidelineText}
}

// LoadGuideline reads a guideline file. An empty path or a missing file
// yields the default; a present but malformed file is an error.
func LoadGuideline(path string) (Guideline, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultGuideline(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGuideline(), nil
		}
		return Guideline{}, fmt.Errorf("read guideline: %w", err)
	}

	var g Guideline
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Guideline{}, fmt.Errorf("parse guideline: %w", err)
	}
	if strings.TrimSpace(g.Text) == "" {
		return Guideline{}, fmt.Errorf("parse guideline: empty text in %s", path)
	}
	if g.Version <= 0 {
		g.Version = 1
	}
	return g, nil
}
