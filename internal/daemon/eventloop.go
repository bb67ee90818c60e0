package daemon

import (
	"context"
	"time"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	if lanes := e.daemon.queue.LaneCount(); lanes > 0 {
		e.daemon.logger.Debug().Int("lanes", lanes).Msg("Queue stats")
	}
}

// HandleShutdown waits up to timeout for queued turns to finish.
func (e *EventLoop) HandleShutdown(timeout time.Duration) {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if !e.daemon.queue.WaitForActive(timeout) {
		e.daemon.logger.Warn().Dur("timeout", timeout).Msg("Turns still running at shutdown")
		return
	}
	e.daemon.logger.Info().Msg("All active turns completed")
}
