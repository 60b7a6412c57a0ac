package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/nats-io/nats.go/jetstream"
)

// StageBucket is the default KV bucket holding stage records.
const StageBucket = "PROPOSAL_STAGES"

// KVStatusStore implements StatusStore over a NATS JetStream key-value bucket. Every
// transition is a compare-and-set on the entry revision, so dispatchers and runners on
// different machines agree on which execution owns a pair.
type KVStatusStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
	now    func() time.Time
}

// NewKVStatusStore creates or binds the bucket.
func NewKVStatusStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*KVStatusStore, error) {
	if bucket == "" {
		bucket = StageBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Stage lifecycle records keyed by proposal and stage",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVStatusStore{bucket: kv, logger: logger, now: time.Now}, nil
}

func kvKey(proposalID string, stage domain.StageName) string {
	return proposalID + "." + string(stage)
}

// load returns the record and its revision. A missing key yields revision 0.
func (s *KVStatusStore) load(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, uint64, error) {
	entry, err := s.bucket.Get(ctx, kvKey(proposalID, stage))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return domain.NotStartedRecord(proposalID, stage), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get stage record: %w", err)
	}
	var rec domain.StageRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode stage record: %w", err)
	}
	return &rec, entry.Revision(), nil
}

// store writes rec conditionally on revision. It reports false when another writer won.
func (s *KVStatusStore) store(ctx context.Context, rec *domain.StageRecord, revision uint64) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode stage record: %w", err)
	}
	key := kvKey(rec.ProposalID, rec.Stage)
	if revision == 0 {
		_, err = s.bucket.Create(ctx, key, data)
	} else {
		_, err = s.bucket.Update(ctx, key, data, revision)
	}
	if err == nil {
		return true, nil
	}
	if isRevisionConflict(err) {
		return false, nil
	}
	return false, fmt.Errorf("write stage record: %w", err)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *KVStatusStore) Get(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error) {
	rec, _, err := s.load(ctx, proposalID, stage)
	return rec, err
}

func (s *KVStatusStore) SetProcessing(ctx context.Context, proposalID string, stage domain.StageName) (bool, error) {
	rec, rev, err := s.load(ctx, proposalID, stage)
	if err != nil {
		return false, err
	}
	if rec.Status == domain.StatusProcessing || rec.Status == domain.StatusCompleted {
		return false, nil
	}
	now := s.now().UTC()
	next := &domain.StageRecord{
		ProposalID: proposalID,
		Stage:      stage,
		Status:     domain.StatusProcessing,
		StartedAt:  &now,
		UpdatedAt:  now,
	}
	return s.store(ctx, next, rev)
}

// transition applies fn to a processing record. A lost race is retried a few times
// because attempt counters and terminal writes may interleave on the same key.
func (s *KVStatusStore) transition(ctx context.Context, proposalID string, stage domain.StageName, fn func(r *domain.StageRecord, now time.Time)) error {
	for i := 0; i < 5; i++ {
		rec, rev, err := s.load(ctx, proposalID, stage)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusProcessing {
			return ErrNotProcessing
		}
		now := s.now().UTC()
		fn(rec, now)
		rec.UpdatedAt = now

		ok, err := s.store(ctx, rec, rev)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		s.logger.Debug("Stage record changed concurrently, reloading",
			"proposal_id", proposalID, "stage", stage, "attempt", i+1)
	}
	return fmt.Errorf("update stage record %s: too many concurrent writers", kvKey(proposalID, stage))
}

func (s *KVStatusStore) SetCompleted(ctx context.Context, proposalID string, stage domain.StageName, result []byte) error {
	return s.transition(ctx, proposalID, stage, func(r *domain.StageRecord, now time.Time) {
		r.Status = domain.StatusCompleted
		r.Result = append(json.RawMessage(nil), result...)
		r.Error = ""
		r.CompletedAt = &now
	})
}

func (s *KVStatusStore) SetFailed(ctx context.Context, proposalID string, stage domain.StageName, message string) error {
	return s.transition(ctx, proposalID, stage, func(r *domain.StageRecord, now time.Time) {
		r.Status = domain.StatusFailed
		r.Result = nil
		r.Error = message
		r.CompletedAt = &now
	})
}

func (s *KVStatusStore) RecordAttempt(ctx context.Context, proposalID string, stage domain.StageName) error {
	return s.transition(ctx, proposalID, stage, func(r *domain.StageRecord, _ time.Time) {
		r.AttemptCount++
	})
}

func (s *KVStatusStore) Reset(ctx context.Context, proposalID string, stages ...domain.StageName) (int, error) {
	n := 0
	for _, stage := range stages {
		rec, rev, err := s.load(ctx, proposalID, stage)
		if err != nil {
			return n, err
		}
		if rev == 0 || rec.Status == domain.StatusProcessing {
			continue
		}
		next := domain.NotStartedRecord(proposalID, stage)
		next.UpdatedAt = s.now().UTC()
		ok, err := s.store(ctx, next, rev)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *KVStatusStore) List(ctx context.Context, proposalID string) ([]*domain.StageRecord, error) {
	out := make([]*domain.StageRecord, 0, len(domain.AllStages()))
	for _, stage := range domain.AllStages() {
		rec, _, err := s.load(ctx, proposalID, stage)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *KVStatusStore) ListStale(ctx context.Context, olderThan time.Duration) ([]*domain.StageRecord, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	threshold := s.now().Add(-olderThan)
	var out []*domain.StageRecord
	for _, key := range keys {
		idx := strings.LastIndex(key, ".")
		if idx <= 0 {
			continue
		}
		rec, _, err := s.load(ctx, key[:idx], domain.StageName(key[idx+1:]))
		if err != nil {
			s.logger.Warn("Failed to load stage record", "key", key, "error", err)
			continue
		}
		if rec.Status == domain.StatusProcessing && rec.StartedAt != nil && rec.StartedAt.Before(threshold) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *KVStatusStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Status(ctx); err != nil {
		return fmt.Errorf("kv status: %w", err)
	}
	return nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *KVStatusStore) Close() error { return nil }
