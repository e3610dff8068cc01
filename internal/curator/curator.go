// Package curator runs the background evaluate-extract-store pipeline
// that turns user turns into long-term facts.
package curator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/semantic"
)

const taskTimeout = 60 * time.Second

type task struct {
	userID    string
	sessionID string
	turn      conversation.Turn
	guideline string
}

// Curator owns one bounded queue per user; tasks for the same user run in
// order, tasks for different users run concurrently. Failures are logged
// and dropped, never surfaced to the conversation path.
type Curator struct {
	extractor capability.Extractor
	embedder  capability.Embedder
	index     *semantic.Index
	guideline *GuidelineSource
	threshold float64
	depth     int
	metrics   *observability.Metrics

	mu     sync.Mutex
	queues map[string]chan task
	closed bool
	wg     sync.WaitGroup
}

func New(extractor capability.Extractor, embedder capability.Embedder, index *semantic.Index, guideline *GuidelineSource, threshold float64, depth int, metrics *observability.Metrics) *Curator {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.92
	}
	if depth <= 0 {
		depth = 64
	}
	return &Curator{
		extractor: extractor,
		embedder:  embedder,
		index:     index,
		guideline: guideline,
		threshold: threshold,
		depth:     depth,
		metrics:   metrics,
		queues:    make(map[string]chan task),
	}
}

// Enqueue schedules curation of one user turn. It never blocks: when the
// user's queue is full the task is dropped and counted.
func (c *Curator) Enqueue(userID, sessionID string, turn conversation.Turn) {
	if userID == "" || turn.Role != conversation.RoleUser {
		return
	}

	t := task{
		userID:    userID,
		sessionID: sessionID,
		turn:      turn,
		guideline: c.guideline.Current().Text,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	queue, ok := c.queues[userID]
	if !ok {
		queue = make(chan task, c.depth)
		c.queues[userID] = queue
		c.wg.Add(1)
		go c.worker(queue)
	}

	// The send must stay inside the critical section: Close closes the
	// queues under the same lock, and a send racing that close panics.
	var dropped bool
	select {
	case queue <- t:
	default:
		dropped = true
	}
	c.mu.Unlock()

	if dropped {
		log.Printf("[curator] queue full for user %s, dropping task", userID)
		if c.metrics != nil {
			c.metrics.CuratorDrops.Inc()
		}
	}
}

// Close stops accepting tasks and drains every queue.
func (c *Curator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, queue := range c.queues {
		close(queue)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Curator) worker(queue <-chan task) {
	defer c.wg.Done()
	for t := range queue {
		c.process(t)
	}
}

func (c *Curator) process(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	facts, err := c.extractor.Extract(ctx, t.turn, t.guideline)
	if err != nil {
		log.Printf("[curator] extraction failed for user %s: %v", t.userID, err)
		return
	}
	if len(facts) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.FactsExtracted.Add(float64(len(facts)))
	}

	for _, fact := range facts {
		vector, err := c.embedder.Embed(ctx, fact)
		if err != nil {
			log.Printf("[curator] embedding failed for user %s: %v", t.userID, err)
			continue
		}

		matches, err := c.index.Search(t.userID, vector, 1)
		if err != nil {
			log.Printf("[curator] dedup search failed for user %s: %v", t.userID, err)
			continue
		}
		if len(matches) > 0 && matches[0].Score >= c.threshold {
			log.Printf("[curator] skipping near-duplicate fact for user %s (score %.3f)", t.userID, matches[0].Score)
			if c.metrics != nil {
				c.metrics.FactsDeduplicated.Inc()
			}
			continue
		}

		if _, err := c.index.Insert(ctx, t.userID, fact, vector, t.sessionID, t.turn.Seq); err != nil {
			log.Printf("[curator] insert failed for user %s: %v", t.userID, err)
			continue
		}
		if c.metrics != nil {
			c.metrics.FactsStored.Inc()
		}
	}
}
