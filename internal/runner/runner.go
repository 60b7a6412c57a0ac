// Package runner executes dispatched jobs. It wraps the stage executor in the retry
// controller and records the outcome in the status store.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/failure"
	"github.com/ashureev/draftsmith/internal/metrics"
	"github.com/ashureev/draftsmith/internal/retry"
	"github.com/ashureev/draftsmith/internal/stage"
	"github.com/ashureev/draftsmith/internal/store"
)

const (
	// DefaultStepTimeout bounds one model invocation.
	DefaultStepTimeout = 5 * time.Minute
	// DefaultJobTimeout bounds a whole job including back-off sleeps.
	DefaultJobTimeout = 15 * time.Minute

	timedOutMessage     = "stage execution timed out"
	unknownStageMessage = "no executor for stage"
	persistTimeout      = 30 * time.Second
)

// Options tune a Runner.
type Options struct {
	Policy      retry.Policy
	StorePolicy retry.Policy
	StepTimeout time.Duration
	JobTimeout  time.Duration
	// Sleeper replaces real back-off sleeps, mainly in tests.
	Sleeper retry.Sleeper
}

func (o *Options) withDefaults() {
	if o.Policy.MaxRetries == 0 {
		o.Policy = retry.DefaultPolicy()
	}
	if o.StorePolicy.MaxRetries == 0 {
		o.StorePolicy = retry.StorePolicy()
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
}

// Runner handles jobs from a queue. It is safe for concurrent use on different
// (proposal, stage) pairs.
type Runner struct {
	records  store.StatusStore
	registry *stage.Registry
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a runner.
func New(records store.StatusStore, registry *stage.Registry, opts Options, m *metrics.Metrics, logger *slog.Logger) *Runner {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		records:  records,
		registry: registry,
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

func (r *Runner) controllerOptions(name string, extra ...retry.Option) []retry.Option {
	opts := []retry.Option{retry.WithLogger(r.logger), retry.WithName(name)}
	if r.opts.Sleeper != nil {
		opts = append(opts, retry.WithSleeper(r.opts.Sleeper))
	}
	return append(opts, extra...)
}

// Handle runs one job to a terminal status. It returns an error only when the outcome
// could not be recorded or the worker is shutting down.
func (r *Runner) Handle(ctx context.Context, job *domain.Job) error {
	done := r.metrics.JobStarted()
	defer done()

	logger := r.logger.With("job_id", job.ID, "proposal_id", job.ProposalID, "stage", job.Stage)
	started := time.Now()

	rec, err := r.records.Get(ctx, job.ProposalID, job.Stage)
	if err != nil {
		return err
	}
	if !rec.InFlight() {
		// Redelivered after the record was settled or reset.
		logger.Info("Skipping job for stage that is not processing", "status", rec.Status)
		return nil
	}

	exec, ok := r.registry.Lookup(job.Stage)
	if !ok {
		logger.Error("No executor registered for stage")
		return r.persistFailure(ctx, job, unknownStageMessage, failure.KindInternal, started)
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	truncationRetried := false
	classify := func(err error) bool {
		if !failure.IsRetryable(err) {
			return false
		}
		if failure.Is(err, failure.KindResponseFormat) {
			if truncationRetried {
				return false
			}
			truncationRetried = true
		}
		return true
	}
	ctrl := retry.New(r.opts.Policy, r.controllerOptions(string(job.Stage),
		retry.WithRetryable(classify),
		retry.WithOnAttempt(func(ctx context.Context, attempt int) {
			r.metrics.Attempt(string(job.Stage))
			if err := r.records.RecordAttempt(ctx, job.ProposalID, job.Stage); err != nil {
				logger.Warn("Failed to record attempt", "attempt", attempt, "error", err)
			}
		}),
	)...)

	logger.Info("Running stage")
	result, err := retry.Run(jobCtx, ctrl, func(ctx context.Context) (json.RawMessage, error) {
		stepCtx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
		return exec.Execute(stepCtx, job)
	})

	if ctx.Err() != nil {
		// Shutting down: leave the record processing for redelivery or the sweeper.
		logger.Warn("Worker stopped before stage finished", "error", err)
		return ctx.Err()
	}

	if err != nil {
		kind := failure.KindOf(err)
		msg := failure.Public(err)
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			msg = timedOutMessage
			kind = failure.KindTransient
		}
		logger.Error("Stage failed", "kind", kind, "public_error", msg, "error", err)
		return r.persistFailure(ctx, job, msg, kind, started)
	}

	if err := r.persist(ctx, job, func(ctx context.Context) error {
		return r.records.SetCompleted(ctx, job.ProposalID, job.Stage, result)
	}); err != nil {
		return err
	}
	elapsed := time.Since(started)
	r.metrics.Execution(string(job.Stage), string(domain.StatusCompleted), "", elapsed)
	logger.Info("Stage completed", "elapsed", elapsed, "result_bytes", len(result))
	return nil
}

func (r *Runner) persistFailure(ctx context.Context, job *domain.Job, msg string, kind failure.Kind, started time.Time) error {
	err := r.persist(ctx, job, func(ctx context.Context) error {
		return r.records.SetFailed(ctx, job.ProposalID, job.Stage, msg)
	})
	r.metrics.Execution(string(job.Stage), string(domain.StatusFailed), string(kind), time.Since(started))
	return err
}

// persist writes a terminal status, retrying transient store errors. A record that is
// no longer processing was settled elsewhere and is left as is.
func (r *Runner) persist(ctx context.Context, job *domain.Job, write func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	ctrl := retry.New(r.opts.StorePolicy, r.controllerOptions("store", retry.WithRetryable(store.IsTransient))...)
	err := ctrl.Do(ctx, write)
	if errors.Is(err, store.ErrNotProcessing) {
		r.logger.Warn("Stage record was settled by another writer",
			"job_id", job.ID,
			"proposal_id", job.ProposalID,
			"stage", job.Stage)
		return nil
	}
	return err
}
