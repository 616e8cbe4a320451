// Package worker runs background ingestion work: a single-consumer task
// queue fed by webhooks and a periodic scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultQueueSize bounds pending tasks.
const DefaultQueueSize = 64

var (
	ErrQueueFull   = errors.New("task queue full")
	ErrQueueClosed = errors.New("task queue closed")
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

type queued struct {
	n    int64
	name string
	task Task
}

// Queue executes tasks one at a time in submission order.
type Queue struct {
	tasks  chan queued
	done   chan struct{}
	once   sync.Once
	seq    atomic.Int64
	logger zerolog.Logger
}

// NewQueue creates a queue holding up to size pending tasks.
func NewQueue(size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		tasks:  make(chan queued, size),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds a task without blocking.
func (q *Queue) Enqueue(name string, task Task) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	item := queued{n: q.seq.Add(1), name: name, task: task}
	select {
	case q.tasks <- item:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, name)
	}
}

// Pending returns the number of tasks waiting to run.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Run consumes tasks until ctx is cancelled. Tasks still pending at that
// point are discarded.
func (q *Queue) Run(ctx context.Context) {
	defer q.once.Do(func() { close(q.done) })

	for {
		select {
		case <-ctx.Done():
			if n := len(q.tasks); n > 0 {
				q.logger.Warn().Int("pending", n).Msg("discarding queued tasks on shutdown")
			}
			return
		case item := <-q.tasks:
			q.execute(ctx, item)
		}
	}
}

func (q *Queue) execute(ctx context.Context, item queued) {
	log := q.logger.With().Int64("task", item.n).Str("name", item.name).Logger()
	log.Info().Msg("executing task")

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return item.task(ctx)
	}()
	if err != nil {
		log.Error().Err(err).Msg("task failed")
		return
	}
	log.Info().Msg("task completed")
}
