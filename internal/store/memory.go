package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
)

type recordKey struct {
	proposalID string
	stage      domain.StageName
}

// MemoryStore is an in-process Repository for tests and single-binary development.
// Records do not survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[recordKey]domain.StageRecord
	proposals map[string]domain.Proposal
	now       func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:   make(map[recordKey]domain.StageRecord),
		proposals: make(map[string]domain.Proposal),
		now:       time.Now,
	}
}

func cloneRecord(r domain.StageRecord) *domain.StageRecord {
	if r.Result != nil {
		r.Result = append([]byte(nil), r.Result...)
	}
	return &r
}

func cloneProposal(p domain.Proposal) *domain.Proposal {
	md := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		md[k] = v
	}
	p.Metadata = md
	p.SelectedSections = append([]string{}, p.SelectedSections...)
	return &p
}

func (m *MemoryStore) Get(_ context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[recordKey{proposalID, stage}]; ok {
		return cloneRecord(r), nil
	}
	return domain.NotStartedRecord(proposalID, stage), nil
}

func (m *MemoryStore) SetProcessing(_ context.Context, proposalID string, stage domain.StageName) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{proposalID, stage}
	if r, ok := m.records[key]; ok && (r.Status == domain.StatusProcessing || r.Status == domain.StatusCompleted) {
		return false, nil
	}
	now := m.now()
	m.records[key] = domain.StageRecord{
		ProposalID: proposalID,
		Stage:      stage,
		Status:     domain.StatusProcessing,
		StartedAt:  &now,
		UpdatedAt:  now,
	}
	return true, nil
}

func (m *MemoryStore) transition(proposalID string, stage domain.StageName, fn func(r *domain.StageRecord, now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{proposalID, stage}
	r, ok := m.records[key]
	if !ok || r.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	now := m.now()
	fn(&r, now)
	r.UpdatedAt = now
	m.records[key] = r
	return nil
}

func (m *MemoryStore) SetCompleted(_ context.Context, proposalID string, stage domain.StageName, result []byte) error {
	return m.transition(proposalID, stage, func(r *domain.StageRecord, now time.Time) {
		r.Status = domain.StatusCompleted
		r.Result = append([]byte(nil), result...)
		r.Error = ""
		r.CompletedAt = &now
	})
}

func (m *MemoryStore) SetFailed(_ context.Context, proposalID string, stage domain.StageName, message string) error {
	return m.transition(proposalID, stage, func(r *domain.StageRecord, now time.Time) {
		r.Status = domain.StatusFailed
		r.Result = nil
		r.Error = message
		r.CompletedAt = &now
	})
}

func (m *MemoryStore) RecordAttempt(_ context.Context, proposalID string, stage domain.StageName) error {
	return m.transition(proposalID, stage, func(r *domain.StageRecord, _ time.Time) {
		r.AttemptCount++
	})
}

func (m *MemoryStore) Reset(_ context.Context, proposalID string, stages ...domain.StageName) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range stages {
		key := recordKey{proposalID, s}
		r, ok := m.records[key]
		if !ok || r.Status == domain.StatusProcessing {
			continue
		}
		delete(m.records, key)
		n++
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, proposalID string) ([]*domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := make(map[domain.StageName]*domain.StageRecord)
	for _, s := range domain.AllStages() {
		if r, ok := m.records[recordKey{proposalID, s}]; ok {
			found[s] = cloneRecord(r)
		}
	}
	return fillMissing(proposalID, found), nil
}

func (m *MemoryStore) ListStale(_ context.Context, olderThan time.Duration) ([]*domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.now().Add(-olderThan)
	var out []*domain.StageRecord
	for _, r := range m.records {
		if r.Status == domain.StatusProcessing && r.StartedAt != nil && r.StartedAt.Before(threshold) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateProposal(_ context.Context, p *domain.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = *cloneProposal(*p)
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProposal(p), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, ownerID string) ([]*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Proposal
	for _, p := range m.proposals {
		if p.OwnerID == ownerID && !p.Archived() {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) mutate(id string, fn func(p *domain.Proposal)) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Archived() {
		return nil, ErrArchived
	}
	p := cloneProposal(stored)
	fn(p)
	p.UpdatedAt = m.now()
	m.proposals[id] = *cloneProposal(*p)
	return p, nil
}

func (m *MemoryStore) UpdateMetadata(_ context.Context, id string, patch map[string]string) (*domain.Proposal, []string, error) {
	var changed []string
	p, err := m.mutate(id, func(p *domain.Proposal) {
		changed = p.MergeMetadata(patch)
	})
	if err != nil {
		return nil, nil, err
	}
	return p, changed, nil
}

func (m *MemoryStore) UpdateSelection(_ context.Context, id string, selected []string) (*domain.Proposal, error) {
	return m.mutate(id, func(p *domain.Proposal) {
		p.SelectedSections = append([]string{}, selected...)
	})
}

func (m *MemoryStore) ArchiveProposal(_ context.Context, id string) error {
	_, err := m.mutate(id, func(p *domain.Proposal) {
		p.Status = domain.ProposalArchived
	})
	return err
}
