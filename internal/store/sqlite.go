package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// proposalMu serialises read-modify-write cycles on proposals to avoid SQLITE_BUSY
	// on transaction upgrade.
	proposalMu sync.Mutex
	now        func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		selected_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_owner ON proposals(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS stage_records (
		proposal_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		result_json TEXT,
		error TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (proposal_id, stage)
	);
	CREATE INDEX IF NOT EXISTS idx_stage_records_processing ON stage_records(started_at) WHERE status = 'processing';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const stageColumns = `proposal_id, stage, status, result_json, error, started_at, completed_at, attempt_count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStageRecord(row rowScanner) (*domain.StageRecord, error) {
	var rec domain.StageRecord
	var stage, status string
	var result, errMsg sql.NullString
	var startedAt, completedAt sql.NullInt64
	var updatedAt int64

	if err := row.Scan(&rec.ProposalID, &stage, &status, &result, &errMsg,
		&startedAt, &completedAt, &rec.AttemptCount, &updatedAt); err != nil {
		return nil, err
	}

	rec.Stage = domain.StageName(stage)
	rec.Status = domain.StageStatus(status)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.Error = errMsg.String
	rec.StartedAt = fromMillis(startedAt)
	rec.CompletedAt = fromMillis(completedAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// Get retrieves the record for a (proposal, stage) pair.
func (s *SQLiteStore) Get(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE proposal_id = ? AND stage = ?`,
		proposalID, string(stage))

	rec, err := scanStageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotStartedRecord(proposalID, stage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage record: %w", err)
	}
	return rec, nil
}

// SetProcessing claims a pair for execution. The conditional upsert is a single
// statement, so two concurrent callers can never both see a row change.
func (s *SQLiteStore) SetProcessing(ctx context.Context, proposalID string, stage domain.StageName) (bool, error) {
	now := s.now().UnixMilli()
	query := `
	INSERT INTO stage_records (proposal_id, stage, status, started_at, attempt_count, updated_at)
	VALUES (?, ?, 'processing', ?, 0, ?)
	ON CONFLICT(proposal_id, stage) DO UPDATE SET
		status = 'processing',
		result_json = NULL,
		error = NULL,
		started_at = excluded.started_at,
		completed_at = NULL,
		attempt_count = 0,
		updated_at = excluded.updated_at
	WHERE stage_records.status IN ('not_started', 'failed')`

	result, err := s.db.ExecContext(ctx, query, proposalID, string(stage), now, now)
	if err != nil {
		return false, fmt.Errorf("set processing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetCompleted stores the result of a processing record.
func (s *SQLiteStore) SetCompleted(ctx context.Context, proposalID string, stage domain.StageName, result []byte) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_records
		SET status = 'completed', result_json = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE proposal_id = ? AND stage = ? AND status = 'processing'`,
		string(result), now, now, proposalID, string(stage))
	if err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	return expectOneRow(res, proposalID, stage)
}

// SetFailed stores an error message on a processing record.
func (s *SQLiteStore) SetFailed(ctx context.Context, proposalID string, stage domain.StageName, message string) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_records
		SET status = 'failed', result_json = NULL, error = ?, completed_at = ?, updated_at = ?
		WHERE proposal_id = ? AND stage = ? AND status = 'processing'`,
		message, now, now, proposalID, string(stage))
	if err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return expectOneRow(res, proposalID, stage)
}

// RecordAttempt increments attempt_count on a processing record.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, proposalID string, stage domain.StageName) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_records SET attempt_count = attempt_count + 1, updated_at = ?
		WHERE proposal_id = ? AND stage = ? AND status = 'processing'`,
		s.now().UnixMilli(), proposalID, string(stage))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return expectOneRow(res, proposalID, stage)
}

func expectOneRow(res sql.Result, proposalID string, stage domain.StageName) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Stage transition affected 0 rows", "proposal_id", proposalID, "stage", stage)
		return ErrNotProcessing
	}
	return nil
}

// Reset returns the given stages to not_started, skipping processing records.
func (s *SQLiteStore) Reset(ctx context.Context, proposalID string, stages ...domain.StageName) (int, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stages)), ",")
	args := []any{s.now().UnixMilli(), proposalID}
	for _, st := range stages {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_records
		SET status = 'not_started', result_json = NULL, error = NULL,
		    started_at = NULL, completed_at = NULL, attempt_count = 0, updated_at = ?
		WHERE proposal_id = ? AND stage IN (`+placeholders+`) AND status != 'processing'`, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stages: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rows), nil
}

// List returns one record per stage for a proposal.
func (s *SQLiteStore) List(ctx context.Context, proposalID string) ([]*domain.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stage record rows", "error", closeErr)
		}
	}()

	found := make(map[domain.StageName]*domain.StageRecord)
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		found[rec.Stage] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage records: %w", err)
	}
	return fillMissing(proposalID, found), nil
}

// ListStale returns processing records whose execution started before now-olderThan.
func (s *SQLiteStore) ListStale(ctx context.Context, olderThan time.Duration) ([]*domain.StageRecord, error) {
	threshold := s.now().Add(-olderThan).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE status = 'processing' AND started_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stale records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale record rows", "error", closeErr)
		}
	}()

	var out []*domain.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale records: %w", err)
	}
	return out, nil
}

const proposalColumns = `id, code, owner_id, metadata_json, selected_json, status, created_at, updated_at`

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var p domain.Proposal
	var metadataJSON, selectedJSON, status string
	var createdAt, updatedAt int64

	if err := row.Scan(&p.ID, &p.Code, &p.OwnerID, &metadataJSON, &selectedJSON,
		&status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(selectedJSON), &p.SelectedSections); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	if p.SelectedSections == nil {
		p.SelectedSections = []string{}
	}
	p.Status = domain.ProposalStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func encodeProposal(p *domain.Proposal) (string, string, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	selected := p.SelectedSections
	if selected == nil {
		selected = []string{}
	}
	sel, err := json.Marshal(selected)
	if err != nil {
		return "", "", fmt.Errorf("encode selection: %w", err)
	}
	return string(md), string(sel), nil
}

// CreateProposal inserts a new proposal.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	md, sel, err := encodeProposal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO proposals (`+proposalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.OwnerID, md, sel, string(p.Status), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	return s.getProposal(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getProposal(ctx context.Context, q queryRower, id string) (*domain.Proposal, error) {
	p, err := scanProposal(q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	return p, nil
}

// ListProposals returns the owner's active proposals, newest first.
func (s *SQLiteStore) ListProposals(ctx context.Context, ownerID string) ([]*domain.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE owner_id = ? AND status = 'active' ORDER BY created_at DESC, id`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close proposal rows", "error", closeErr)
		}
	}()

	var out []*domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

// mutateProposal loads a proposal inside a transaction, applies fn and writes it back.
func (s *SQLiteStore) mutateProposal(ctx context.Context, id string, fn func(p *domain.Proposal) error) (*domain.Proposal, error) {
	s.proposalMu.Lock()
	defer s.proposalMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back proposal update", "proposal_id", id, "error", rbErr)
		}
	}()

	p, err := s.getProposal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Archived() {
		return nil, ErrArchived
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now()

	md, sel, err := encodeProposal(p)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET metadata_json = ?, selected_json = ?, status = ?, updated_at = ? WHERE id = ?`,
		md, sel, string(p.Status), p.UpdatedAt.UnixMilli(), id); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit proposal update: %w", err)
	}
	return p, nil
}

// UpdateMetadata merges patch into the proposal metadata.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, patch map[string]string) (*domain.Proposal, []string, error) {
	var changed []string
	p, err := s.mutateProposal(ctx, id, func(p *domain.Proposal) error {
		changed = p.MergeMetadata(patch)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p, changed, nil
}

// UpdateSelection replaces the selected section titles.
func (s *SQLiteStore) UpdateSelection(ctx context.Context, id string, selected []string) (*domain.Proposal, error) {
	return s.mutateProposal(ctx, id, func(p *domain.Proposal) error {
		p.SelectedSections = append([]string{}, selected...)
		return nil
	})
}

// ArchiveProposal soft-deletes a proposal.
func (s *SQLiteStore) ArchiveProposal(ctx context.Context, id string) error {
	_, err := s.mutateProposal(ctx, id, func(p *domain.Proposal) error {
		p.Status = domain.ProposalArchived
		return nil
	})
	return err
}
