// Package dispatch is the synchronous entry point of the pipeline. It answers from the
// status store when it can and otherwise claims the stage and enqueues a job, never
// waiting for generation to finish.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/metrics"
	"github.com/ashureev/draftsmith/internal/queue"
	"github.com/ashureev/draftsmith/internal/store"
)

var (
	// ErrInvalidRequest is returned for an empty proposal ID or unknown stage.
	ErrInvalidRequest = errors.New("invalid dispatch request")
	// ErrProposalNotFound is returned when the proposal does not exist.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalArchived is returned when dispatching against an archived proposal.
	ErrProposalArchived = errors.New("proposal is archived")
)

// enqueueFailedMessage is stored on the record when a claimed job could not be queued.
const enqueueFailedMessage = "failed to enqueue stage job"

// ProposalReader is the part of the proposal repository the dispatcher needs.
type ProposalReader interface {
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)
}

// Options modify a dispatch.
type Options struct {
	// Force discards a completed or failed result of the stage and of every stage
	// downstream of it before dispatching. In-flight records are never touched.
	Force bool
}

// Result is what a caller learns from one dispatch.
type Result struct {
	Status domain.StageStatus `json:"status"`
	Result json.RawMessage    `json:"result,omitempty"`
	Cached bool               `json:"cached,omitempty"`
	Error  string             `json:"error,omitempty"`
	JobID  string             `json:"job_id,omitempty"`
}

// Dispatcher routes stage requests to the status store or the job queue.
type Dispatcher struct {
	records   store.StatusStore
	proposals ProposalReader
	publisher queue.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher.
func New(records store.StatusStore, proposals ProposalReader, publisher queue.Publisher, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		records:   records,
		proposals: proposals,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch returns the cached result of a completed stage, reports an in-flight one, or
// claims the stage and enqueues a job for it.
func (d *Dispatcher) Dispatch(ctx context.Context, proposalID string, stage domain.StageName, opts Options) (*Result, error) {
	proposal, err := d.loadProposal(ctx, proposalID, stage)
	if err != nil {
		return nil, err
	}
	logger := d.logger.With("proposal_id", proposalID, "stage", stage)

	if opts.Force {
		n, err := d.records.Reset(ctx, proposalID, stage.WithDownstream()...)
		if err != nil {
			return nil, fmt.Errorf("reset stage: %w", err)
		}
		logger.Info("Forced regeneration", "records_reset", n)
	}

	rec, err := d.records.Get(ctx, proposalID, stage)
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	if res, ok := d.answerFromRecord(stage, rec); ok {
		return res, nil
	}

	claimed, err := d.records.SetProcessing(ctx, proposalID, stage)
	if err != nil {
		return nil, fmt.Errorf("claim stage: %w", err)
	}
	if !claimed {
		// Another dispatch won the race; report whatever it produced.
		rec, err := d.records.Get(ctx, proposalID, stage)
		if err != nil {
			return nil, fmt.Errorf("get stage record: %w", err)
		}
		if res, ok := d.answerFromRecord(stage, rec); ok {
			return res, nil
		}
		d.metrics.Dispatch(string(stage), "in_flight")
		return &Result{Status: domain.StatusProcessing}, nil
	}

	job := &domain.Job{
		ID:               uuid.NewString(),
		ProposalID:       proposalID,
		Stage:            stage,
		Metadata:         proposal.Metadata,
		SelectedSections: proposal.SelectedSections,
		EnqueuedAt:       d.now().UTC(),
	}
	if err := d.publisher.Publish(ctx, job); err != nil {
		logger.Error("Failed to enqueue job", "job_id", job.ID, "error", err)
		// The claim must not outlive a job that will never run.
		if ferr := d.records.SetFailed(context.WithoutCancel(ctx), proposalID, stage, enqueueFailedMessage); ferr != nil {
			logger.Error("Failed to release claim after enqueue failure", "error", ferr)
		}
		d.metrics.Dispatch(string(stage), "enqueue_failed")
		return &Result{Status: domain.StatusFailed, Error: enqueueFailedMessage}, nil
	}

	logger.Info("Enqueued stage job", "job_id", job.ID)
	d.metrics.Dispatch(string(stage), "enqueued")
	return &Result{Status: domain.StatusProcessing, JobID: job.ID}, nil
}

// answerFromRecord returns a result when rec already settles the dispatch.
func (d *Dispatcher) answerFromRecord(stage domain.StageName, rec *domain.StageRecord) (*Result, bool) {
	switch rec.Status {
	case domain.StatusCompleted:
		d.metrics.Dispatch(string(stage), "cached")
		return &Result{Status: domain.StatusCompleted, Result: rec.Result, Cached: true}, true
	case domain.StatusProcessing:
		d.metrics.Dispatch(string(stage), "in_flight")
		return &Result{Status: domain.StatusProcessing}, true
	default:
		return nil, false
	}
}

// Status is the read-only polling projection of a stage record.
func (d *Dispatcher) Status(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error) {
	if _, err := d.loadProposal(ctx, proposalID, stage); err != nil && !errors.Is(err, ErrProposalArchived) {
		return nil, err
	}
	rec, err := d.records.Get(ctx, proposalID, stage)
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	return rec, nil
}

func (d *Dispatcher) loadProposal(ctx context.Context, proposalID string, stage domain.StageName) (*domain.Proposal, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("%w: proposal_id is required", ErrInvalidRequest)
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, stage)
	}
	p, err := d.proposals.GetProposal(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if p.Archived() {
		return p, ErrProposalArchived
	}
	return p, nil
}
