package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/core/ingest"
	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

// Runner is the part of the ingestion coordinator the worker drives.
type Runner interface {
	Run(ctx context.Context, kind models.SourceKind) (ingest.Report, error)
	Has(kind models.SourceKind) bool
	Kinds() []models.SourceKind
}

// Refresher turns refresh requests into queued ingestion runs.
type Refresher struct {
	queue  *Queue
	runner Runner
	logger zerolog.Logger
}

func NewRefresher(queue *Queue, runner Runner, logger zerolog.Logger) *Refresher {
	return &Refresher{queue: queue, runner: runner, logger: logger}
}

// Refresh queues one ingestion run for kind.
func (r *Refresher) Refresh(kind models.SourceKind) error {
	if !r.runner.Has(kind) {
		return fmt.Errorf("%w: %s", services.ErrUnknownSource, kind)
	}
	if err := r.queue.Enqueue("refresh "+string(kind), r.task(kind)); err != nil {
		return err
	}
	r.logger.Debug().Str("source", string(kind)).Int("pending", r.queue.Pending()).Msg("refresh queued")
	return nil
}

// Jobs returns one scheduler job per registered source.
func (r *Refresher) Jobs() []Job {
	kinds := r.runner.Kinds()
	jobs := make([]Job, 0, len(kinds))
	for _, kind := range kinds {
		jobs = append(jobs, Job{Name: "poll " + string(kind), Task: r.task(kind)})
	}
	return jobs
}

func (r *Refresher) task(kind models.SourceKind) Task {
	return func(ctx context.Context) error {
		report, err := r.runner.Run(ctx, kind)
		for _, t := range report.Triggers {
			if t.Err != nil {
				r.logger.Warn().Err(t.Err).Str("trigger", t.Target).Str("source", string(kind)).Msg("post-ingestion trigger failed")
			}
		}
		return err
	}
}
