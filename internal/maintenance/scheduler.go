// Package maintenance runs the periodic housekeeping the access layer
// needs: disk cache garbage collection and task state retention sweeps.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// taskTimeout bounds one housekeeping run so a wedged backend cannot pile
// up overlapping jobs.
const taskTimeout = time.Minute

// Scheduler runs named housekeeping tasks on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Add registers task under the given cron spec (e.g. "@every 5m").
func (s *Scheduler) Add(spec, name string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()

		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Warn("maintenance task failed", "task", name, "error", err)
			return
		}
		s.logger.Debug("maintenance task completed", "task", name, "elapsed", time.Since(start))
	})
	return err
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
