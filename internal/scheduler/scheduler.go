package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"moments-backend/internal/moments"
)

// Store lists moments whose deadline has elapsed while their status is
// still non-terminal.
type Store interface {
	ListExpiredMoments(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Coordinator is the single funnel for expiry; its conditional write makes
// a sweep racing a just-landed completion a safe no-op.
type Coordinator interface {
	Expire(ctx context.Context, momentID uuid.UUID) error
}

// Scheduler periodically sweeps for overdue moments instead of arming one
// timer per moment; both strategies end at the same conditional transition,
// and the sweep survives process restarts for free.
type Scheduler struct {
	store    Store
	coord    Coordinator
	interval time.Duration
	limit    int
	now      func() time.Time
}

func New(store Store, coord Coordinator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		coord:    coord,
		interval: interval,
		limit:    100,
		now:      time.Now,
	}
}

// SetClock replaces the scheduler's time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Printf("Expiry sweep failed: %v", err)
			}
		}
	}
}

// Sweep expires every overdue non-terminal moment it finds, returning how
// many transitions it caused. Moments that completed or expired between the
// query and the conditional write are skipped without error.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredMoments(ctx, s.now(), s.limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.coord.Expire(ctx, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, moments.ErrNotFound):
			// Deleted between the query and the expiry; nothing to do.
		case errors.Is(err, moments.ErrConcurrencyConflict):
			// Heavily contended; the next sweep will pick it up again.
			log.Printf("Expiry of moment %s lost its races, retrying next sweep", id)
		default:
			log.Printf("Failed to expire moment %s: %v", id, err)
		}
	}

	return expired, nil
}
