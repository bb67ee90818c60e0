package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultRetention       = 30 * 24 * time.Hour
)

// Pruner removes completed sessions last updated before a cutoff.
type Pruner interface {
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Cleanup removes old completed sessions on a cron schedule.
type Cleanup struct {
	store     Pruner
	schedule  string
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup job. Empty schedule and zero retention fall
// back to the defaults.
func NewCleanup(store Pruner, schedule string, retention time.Duration) (*Cleanup, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return &Cleanup{
		store:     store,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Start schedules the job.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	sched := cron.New()
	if _, err := sched.AddFunc(c.schedule, func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to cleanup old sessions")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	sched.Start()

	c.cron = sched
	c.running = true

	log.Info().
		Str("schedule", c.schedule).
		Dur("retention", c.retention).
		Msg("Session cleanup started")
	return nil
}

// Stop cancels the schedule and waits for a running job to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}
	<-c.cron.Stop().Done()
	c.running = false

	log.Info().Msg("Session cleanup stopped")
	return nil
}

// RunOnce removes expired sessions immediately.
func (c *Cleanup) RunOnce(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.retention)
	n, err := c.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if n > 0 {
		log.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("Cleaned up old sessions")
	}
	return n, nil
}
