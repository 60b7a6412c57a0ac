// Package queue moves dispatched jobs to the runners that execute them.
package queue

import (
	"context"
	"errors"

	"github.com/ashureev/draftsmith/internal/domain"
)

var (
	// ErrFull is returned by Publish when a bounded queue has no capacity left.
	ErrFull = errors.New("job queue is full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("job queue is closed")
)

// Handler executes one job. The outcome of a job lives in the status store, so a handler
// error is logged by the consumer but never causes redelivery.
type Handler func(ctx context.Context, job *domain.Job) error

// Publisher hands a job off for asynchronous execution. Publish returns once the job is
// accepted and never waits for it to run.
type Publisher interface {
	Publish(ctx context.Context, job *domain.Job) error
}

// Consumer feeds jobs to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Queue is both ends of a transport.
type Queue interface {
	Publisher
	Consumer
	Close() error
}
