package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Scheduler ticks the engine for every known user. Each user runs at their
// configured cycle interval; the engine's in-flight guard keeps a slow cycle
// from overlapping with the next tick.
type Scheduler struct {
	engine *Engine

	tick    time.Duration
	enabled bool

	mu      sync.Mutex
	lastRun map[string]time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// ConfiguredScheduler sets up the Scheduler based on flags.
func ConfiguredScheduler(e *Engine) *Scheduler {
	tick := lflag.Duration("scheduler-tick", 15*time.Second, "How often the scheduler checks for due cycles")
	disabled := lflag.Bool("scheduler-disabled", false, "Disable the background scheduler (cycles only run via the API)")

	s := NewScheduler(e)

	lflag.Do(func() {
		s.tick = *tick
		s.enabled = !*disabled
	})

	return s
}

// NewScheduler creates a Scheduler with default timings.
func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:  e,
		tick:    15 * time.Second,
		enabled: true,
		lastRun: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Run blocks until ctx is canceled, launching due cycles every tick. Cycles
// started before cancellation are waited for so no device operation is
// abandoned mid-flight.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		log.Ctx(ctx).InfoContext(ctx, "scheduler disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.launchDue(ctx, &wg)
		}
	}
}

func (s *Scheduler) launchDue(ctx context.Context, wg *sync.WaitGroup) {
	users, err := s.engine.db.ListUsers(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list users for scheduling", slog.Any("error", err))
		return
	}

	now := s.now()
	for _, user := range users {
		if !s.due(ctx, user, now) {
			continue
		}

		s.mu.Lock()
		s.lastRun[user.ID] = now
		s.mu.Unlock()

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, err := s.engine.RunCycle(ctx, userID); err != nil {
				if errors.Is(err, ErrCycleInProgress) {
					log.Ctx(ctx).DebugContext(ctx, "cycle still running, skipped", slog.String("userID", userID))
					return
				}
				log.Ctx(ctx).ErrorContext(ctx, "scheduled cycle failed",
					slog.String("userID", userID),
					slog.Any("error", err),
				)
			}
		}(user.ID)
	}
}

// due reports whether the user's cycle interval has elapsed since their last
// scheduled run.
func (s *Scheduler) due(ctx context.Context, user types.User, now time.Time) bool {
	interval := time.Minute
	settings, version, err := s.engine.db.GetSettings(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get settings for scheduling", slog.String("userID", user.ID), slog.Any("error", err))
	} else {
		settings, _, err = types.MigrateSettings(settings, version)
		if err == nil && settings.CycleSeconds > 0 {
			interval = time.Duration(settings.CycleSeconds) * time.Second
		}
	}

	s.mu.Lock()
	last := s.lastRun[user.ID]
	s.mu.Unlock()
	return last.IsZero() || !now.Before(last.Add(interval))
}
