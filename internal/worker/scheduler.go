package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Job is a named task the scheduler submits on every tick.
type Job struct {
	Name string
	Task Task
}

// Scheduler submits its jobs to a queue at startup and then every interval.
type Scheduler struct {
	queue    *Queue
	interval time.Duration
	jobs     []Job
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables
// periodic submission; Run then only submits once.
func NewScheduler(queue *Queue, interval time.Duration, jobs []Job, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:    queue,
		interval: interval,
		jobs:     jobs,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.submit()
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.submit()
		}
	}
}

func (s *Scheduler) submit() {
	for _, job := range s.jobs {
		err := s.queue.Enqueue(job.Name, job.Task)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueClosed):
			return
		default:
			s.logger.Warn().Err(err).Str("job", job.Name).Msg("scheduling job failed")
		}
	}
}
