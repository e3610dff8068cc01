// Package maintenance runs scheduled background jobs: the nightly semantic
// index rebuild and the stale-session sweep.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/hearthd/hearth/internal/semantic"
	"github.com/hearthd/hearth/internal/store"
)

const jobTimeout = 5 * time.Minute

type Service struct {
	index     *semantic.Index
	store     *store.Store
	schedule  string
	retention time.Duration
	cron      *rcron.Cron
}

// NewService schedules jobs with a seconds-resolution cron expression.
// A zero retention disables the session sweep.
func NewService(index *semantic.Index, st *store.Store, schedule string, retention time.Duration) *Service {
	return &Service{index: index, store: st, schedule: schedule, retention: retention}
}

func (s *Service) Start() error {
	s.cron = rcron.New(rcron.WithSeconds())

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("register maintenance job (%s): %w", s.schedule, err)
	}

	s.cron.Start()
	log.Printf("[maintenance] started, scheduled at %q", s.schedule)
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[maintenance] stop timeout waiting for running jobs")
	}
	log.Printf("[maintenance] stopped")
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	s.runRebuild(ctx)
	s.runSweep(ctx)
}

func (s *Service) runRebuild(ctx context.Context) {
	start := time.Now()
	if err := s.index.Rebuild(ctx); err != nil {
		log.Printf("[maintenance] index rebuild failed: %v", err)
		return
	}
	log.Printf("[maintenance] index rebuilt in %s (%d records)", time.Since(start).Round(time.Millisecond), s.index.Count())
}

func (s *Service) runSweep(ctx context.Context) {
	if s.store == nil || s.retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.retention)
	swept, err := s.store.SweepInactive(ctx, cutoff)
	if err != nil {
		log.Printf("[maintenance] session sweep failed: %v", err)
		return
	}
	if swept > 0 {
		log.Printf("[maintenance] swept %d sessions idle since %s", swept, cutoff.Format(time.RFC3339))
	}
}
