package curator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hearthd/hearth/internal/config"
)

// GuidelineSource holds the active extraction guideline. Updates apply to
// tasks enqueued after the swap; in-flight tasks keep the snapshot they
// were read under.
type GuidelineSource struct {
	mu      sync.RWMutex
	current config.Guideline
}

func NewGuidelineSource(g config.Guideline) *GuidelineSource {
	return &GuidelineSource{current: g}
}

// Current returns the active guideline snapshot.
func (s *GuidelineSource) Current() config.Guideline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the guideline text and bumps the version.
func (s *GuidelineSource) Update(text string) (config.Guideline, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return config.Guideline{}, fmt.Errorf("update guideline: empty text")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = config.Guideline{Version: s.current.Version + 1, Text: text}
	return s.current, nil
}
