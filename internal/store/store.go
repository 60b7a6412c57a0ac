// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
)

var (
	// ErrNotFound is returned when a proposal does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotProcessing is returned when a terminal transition is attempted on a record
	// that is not processing.
	ErrNotProcessing = errors.New("stage record is not processing")

	// ErrArchived is returned when mutating an archived proposal.
	ErrArchived = errors.New("proposal is archived")
)

// StatusStore persists the lifecycle of each (proposal, stage) pair.
//
// Reads and writes for one key are strongly consistent. SetProcessing is the only
// guard against two executions of the same pair running at once.
type StatusStore interface {
	// Get returns the record for a pair. A missing record reads as not_started.
	Get(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error)

	// SetProcessing atomically moves a not_started or failed record to processing.
	// It returns false when the record is already processing or completed.
	SetProcessing(ctx context.Context, proposalID string, stage domain.StageName) (bool, error)

	// SetCompleted stores the result of a processing record.
	SetCompleted(ctx context.Context, proposalID string, stage domain.StageName, result []byte) error

	// SetFailed stores a caller-safe error message on a processing record.
	SetFailed(ctx context.Context, proposalID string, stage domain.StageName, message string) error

	// RecordAttempt increments attempt_count on a processing record.
	RecordAttempt(ctx context.Context, proposalID string, stage domain.StageName) error

	// Reset returns the given stages to not_started. Processing records are left alone.
	// It returns the number of records reset.
	Reset(ctx context.Context, proposalID string, stages ...domain.StageName) (int, error)

	// List returns one record per known stage, in dependency order.
	List(ctx context.Context, proposalID string) ([]*domain.StageRecord, error)

	// ListStale returns processing records started more than olderThan ago.
	ListStale(ctx context.Context, olderThan time.Duration) ([]*domain.StageRecord, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// ProposalRepository persists proposal aggregates.
type ProposalRepository interface {
	// CreateProposal inserts a new proposal.
	CreateProposal(ctx context.Context, p *domain.Proposal) error

	// GetProposal returns ErrNotFound for unknown IDs. Archived proposals are returned.
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)

	// ListProposals returns the owner's active proposals, newest first.
	ListProposals(ctx context.Context, ownerID string) ([]*domain.Proposal, error)

	// UpdateMetadata merges patch into the proposal metadata and returns the updated
	// proposal along with the keys that changed.
	UpdateMetadata(ctx context.Context, id string, patch map[string]string) (*domain.Proposal, []string, error)

	// UpdateSelection replaces the selected section titles.
	UpdateSelection(ctx context.Context, id string, selected []string) (*domain.Proposal, error)

	// ArchiveProposal soft-deletes a proposal.
	ArchiveProposal(ctx context.Context, id string) error
}

// Repository is a store that holds both proposals and stage records.
type Repository interface {
	StatusStore
	ProposalRepository
}

// fillMissing returns one record per stage, substituting not_started for absent ones.
func fillMissing(proposalID string, found map[domain.StageName]*domain.StageRecord) []*domain.StageRecord {
	out := make([]*domain.StageRecord, 0, len(domain.AllStages()))
	for _, s := range domain.AllStages() {
		if rec, ok := found[s]; ok {
			out = append(out, rec)
			continue
		}
		out = append(out, domain.NotStartedRecord(proposalID, s))
	}
	return out
}
