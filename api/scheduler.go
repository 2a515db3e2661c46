/*
scheduler.go - Automated recalculation scheduler

PURPOSE:
  Periodically checks active use cases whose rules changed after their
  latest run and recalculates them, so dashboards reading the latest run
  converge without a human pressing the button.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Recalculates a use case when it has no run yet, or when
    max(rule.last_modified_at) passed the latest run's executed_at
    by more than the staleness grace window
  - Skips use cases with a run currently IN_PROGRESS
  - Failed runs are recorded like any other; the next tick retries

CONFIGURATION:
  - CheckInterval: How often to check (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRecalcScheduler(store, engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Calculate endpoint (manual trigger)
  - overlay/engine.go: Calculation pipeline
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/overlay-engine/overlay"
	"github.com/warp/overlay-engine/store/sqlite"
)

// RecalcScheduler recalculates use cases whose rules outran their runs.
type RecalcScheduler struct {
	Store         *sqlite.Store
	Engine        *overlay.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecalcScheduler creates a new scheduler.
func NewRecalcScheduler(store *sqlite.Store, engine *overlay.Engine) *RecalcScheduler {
	return &RecalcScheduler{
		Store:         store,
		Engine:        engine,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the background check loop.
func (s *RecalcScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan bool)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.checkOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()

	log.Printf("Recalculation scheduler started (interval: %v)", s.CheckInterval)
}

// Stop halts the check loop and waits for an in-flight pass to finish.
func (s *RecalcScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil

	log.Println("Recalculation scheduler stopped")
}

// checkOnce scans every active use case and recalculates the stale ones.
func (s *RecalcScheduler) checkOnce(ctx context.Context) {
	useCases, err := s.Store.ListUseCases(ctx)
	if err != nil {
		log.Printf("Scheduler: failed to list use cases: %v", err)
		return
	}

	for i := range useCases {
		uc := &useCases[i]
		if uc.Status != overlay.UseCaseActive {
			continue
		}

		stale, err := s.isStale(ctx, uc.ID)
		if err != nil {
			log.Printf("Scheduler: staleness check for %s failed: %v", uc.ID, err)
			continue
		}
		if !stale {
			continue
		}

		_, err = s.Engine.Calculate(ctx, overlay.CalculateRequest{
			UseCaseID:   uc.ID,
			PnlDate:     time.Now().UTC(),
			Name:        "scheduled recalculation",
			TriggeredBy: "scheduler",
		})
		if err != nil {
			log.Printf("Scheduler: recalculation of %s failed: %v", uc.ID, err)
			continue
		}
		log.Printf("Scheduler: recalculated use case %s", uc.ID)
	}
}

// isStale reports whether the latest run predates the newest rule edit.
func (s *RecalcScheduler) isStale(ctx context.Context, id overlay.UseCaseID) (bool, error) {
	run, err := s.Store.LatestRun(ctx, id)
	if err != nil {
		return false, err
	}
	if run == nil {
		return true, nil
	}
	if run.Status == overlay.RunInProgress {
		return false, nil
	}

	lastModified, err := s.Store.RuleLastModified(ctx, id)
	if err != nil {
		return false, err
	}
	if lastModified.IsZero() {
		return false, nil
	}
	return lastModified.After(run.ExecutedAt.Add(outdatedGrace)), nil
}
