// Package recovery restores sessions whose stored history the provider or
// window manager rejects as structurally broken. The only safe repair for
// a corrupt history is to purge it and retry on a fresh session.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hearthd/hearth/internal/fault"
	"github.com/hearthd/hearth/internal/observability"
)

type State string

const (
	StateNormal        State = "normal"
	StateFaultDetected State = "fault_detected"
	StatePurging       State = "purging"
	StateRetrying      State = "retrying"
	StateFatal         State = "fatal"
)

// Purger clears a session's stored history.
type Purger interface {
	Clear(ctx context.Context, sessionID string) error
}

// Outcome reports how an attempt ended.
type Outcome struct {
	State   State
	Retries int
}

// Supervisor drives the recovery cycle. Sessions that keep producing
// fatal cycles are quarantined so a persistent corruption source cannot
// purge user history in a loop.
type Supervisor struct {
	purger     Purger
	maxRetries int
	fatalLimit int
	metrics    *observability.Metrics

	mu          sync.Mutex
	fatalCycles map[string]int
}

func NewSupervisor(purger Purger, maxRetries, fatalLimit int, metrics *observability.Metrics) *Supervisor {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if fatalLimit <= 0 {
		fatalLimit = 3
	}
	return &Supervisor{
		purger:      purger,
		maxRetries:  maxRetries,
		fatalLimit:  fatalLimit,
		metrics:     metrics,
		fatalCycles: make(map[string]int),
	}
}

// Execute runs attempt, recovering from structural violations by purging
// the session and retrying. Non-structural errors pass through untouched.
// The cycle always terminates: at most maxRetries purge-retry rounds.
func (s *Supervisor) Execute(ctx context.Context, sessionID string, attempt func(context.Context) error) (Outcome, error) {
	err := attempt(ctx)
	if err == nil {
		s.markHealthy(sessionID)
		return Outcome{State: StateNormal}, nil
	}
	if !fault.IsStructural(err) {
		return Outcome{State: StateNormal}, err
	}

	log.Printf("[recovery] structural violation in session %s: %v", sessionID, err)
	if s.quarantined(sessionID) {
		s.record(StateFatal)
		return Outcome{State: StateFatal}, fmt.Errorf("session %s quarantined after %d fatal recovery cycles: %w", sessionID, s.fatalLimit, err)
	}

	for retry := 1; retry <= s.maxRetries; retry++ {
		log.Printf("[recovery] purging session %s (retry %d/%d)", sessionID, retry, s.maxRetries)
		if purgeErr := s.purger.Clear(ctx, sessionID); purgeErr != nil {
			s.markFatal(sessionID)
			s.record(StateFatal)
			return Outcome{State: StateFatal, Retries: retry}, fmt.Errorf("recovery purge of session %s: %w", sessionID, purgeErr)
		}

		err = attempt(ctx)
		if err == nil {
			log.Printf("[recovery] session %s recovered on retry %d", sessionID, retry)
			s.markHealthy(sessionID)
			s.record(StateNormal)
			return Outcome{State: StateNormal, Retries: retry}, nil
		}
		if !fault.IsStructural(err) {
			s.markHealthy(sessionID)
			s.record(StateNormal)
			return Outcome{State: StateNormal, Retries: retry}, err
		}
	}

	s.markFatal(sessionID)
	s.record(StateFatal)
	return Outcome{State: StateFatal, Retries: s.maxRetries}, fmt.Errorf("session %s unrecoverable after %d retries: %w", sessionID, s.maxRetries, err)
}

func (s *Supervisor) quarantined(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalCycles[sessionID] >= s.fatalLimit
}

func (s *Supervisor) markFatal(sessionID string) {
	s.mu.Lock()
	s.fatalCycles[sessionID]++
	s.mu.Unlock()
}

func (s *Supervisor) markHealthy(sessionID string) {
	s.mu.Lock()
	delete(s.fatalCycles, sessionID)
	s.mu.Unlock()
}

func (s *Supervisor) record(state State) {
	if s.metrics != nil {
		s.metrics.RecoveryCycles.WithLabelValues(string(state)).Inc()
	}
}
