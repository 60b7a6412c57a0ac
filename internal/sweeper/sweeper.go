// Package sweeper recovers stage records left in processing by a worker that died.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/draftsmith/internal/metrics"
	"github.com/ashureev/draftsmith/internal/retry"
	"github.com/ashureev/draftsmith/internal/store"
)

const (
	// DefaultInterval is how often the sweeper looks for stale records.
	DefaultInterval = time.Minute
	// DefaultBudget is how long a record may stay processing before it is failed.
	DefaultBudget = 20 * time.Minute

	timedOutMessage = "stage execution timed out"
)

// Sweeper fails records that have been processing longer than the worker budget.
type Sweeper struct {
	records  store.StatusStore
	budget   time.Duration
	interval time.Duration
	retry    *retry.Controller
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a sweeper. Zero durations use the defaults.
func New(records store.StatusStore, budget, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		records:  records,
		budget:   budget,
		interval: interval,
		retry: retry.New(retry.StorePolicy(),
			retry.WithRetryable(store.IsTransient),
			retry.WithLogger(logger),
			retry.WithName("sweeper")),
		metrics: m,
		logger:  logger,
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Sweeper started", "interval", s.interval, "budget", s.budget)

		s.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass and returns the number of records it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	stale, err := s.records.ListStale(ctx, s.budget)
	if err != nil {
		s.logger.Error("Sweeper failed to list stale records", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	s.logger.Info("Sweeper found stale records", "count", len(stale))
	recovered := 0
	for _, rec := range stale {
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.records.SetFailed(ctx, rec.ProposalID, rec.Stage, timedOutMessage)
		})
		switch {
		case errors.Is(err, store.ErrNotProcessing):
			// The runner finished between the list and the write.
			continue
		case err != nil:
			s.logger.Warn("Sweeper failed to fail stale record",
				"proposal_id", rec.ProposalID,
				"stage", rec.Stage,
				"error", err)
			continue
		}
		recovered++
		s.metrics.StaleRecovered(string(rec.Stage))
		s.logger.Warn("Failed stale stage record",
			"proposal_id", rec.ProposalID,
			"stage", rec.Stage,
			"started_at", rec.StartedAt)
	}
	return recovered
}
