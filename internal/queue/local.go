package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/draftsmith/internal/domain"
)

// Local is an in-process queue: a bounded channel drained by a fixed pool of workers.
type Local struct {
	jobs    chan *domain.Job
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a queue holding up to capacity pending jobs, consumed by workers
// goroutines.
func NewLocal(capacity, workers int, logger *slog.Logger) *Local {
	if capacity <= 0 {
		capacity = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		jobs:    make(chan *domain.Job, capacity),
		workers: workers,
		logger:  logger,
	}
}

// Publish enqueues job without blocking. It fails with ErrFull when the buffer is
// exhausted.
func (q *Local) Publish(ctx context.Context, job *domain.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

// Consume runs the worker pool until ctx is cancelled or the queue is closed, then waits
// for in-flight jobs to finish.
func (q *Local) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil {
						q.logger.Error("Job handler failed",
							"worker", worker,
							"job_id", job.ID,
							"proposal_id", job.ProposalID,
							"stage", job.Stage,
							"error", err)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// Pending returns the number of jobs waiting for a worker.
func (q *Local) Pending() int {
	return len(q.jobs)
}

// Close stops accepting jobs. Jobs already buffered are still delivered.
func (q *Local) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
