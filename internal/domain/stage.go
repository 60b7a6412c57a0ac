package domain

import (
	"encoding/json"
	"time"
)

// StageName identifies one generation stage of the pipeline.
type StageName string

const (
	StageRFPAnalysis        StageName = "rfp_analysis"
	StageConceptEvaluation  StageName = "concept_evaluation"
	StageOutlineGeneration  StageName = "outline_generation"
	StageDocumentGeneration StageName = "document_generation"
)

// stageOrder lists stages in dependency order.
var stageOrder = []StageName{
	StageRFPAnalysis,
	StageConceptEvaluation,
	StageOutlineGeneration,
	StageDocumentGeneration,
}

var stageDeps = map[StageName]struct {
	required []StageName
	optional []StageName
}{
	StageRFPAnalysis:       {},
	StageConceptEvaluation: {required: []StageName{StageRFPAnalysis}},
	StageOutlineGeneration: {
		required: []StageName{StageRFPAnalysis},
		optional: []StageName{StageConceptEvaluation},
	},
	StageDocumentGeneration: {
		required: []StageName{StageRFPAnalysis, StageOutlineGeneration},
		optional: []StageName{StageConceptEvaluation},
	},
}

// AllStages returns every stage in dependency order.
func AllStages() []StageName {
	out := make([]StageName, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage validates a stage name received from a caller.
func ParseStage(s string) (StageName, bool) {
	name := StageName(s)
	if _, ok := stageDeps[name]; !ok {
		return "", false
	}
	return name, true
}

// Valid reports whether s is a known stage.
func (s StageName) Valid() bool {
	_, ok := stageDeps[s]
	return ok
}

// RequiredUpstream returns the stages that must be completed before s can run.
func (s StageName) RequiredUpstream() []StageName {
	return append([]StageName(nil), stageDeps[s].required...)
}

// OptionalUpstream returns the stages whose results s uses when they are available.
func (s StageName) OptionalUpstream() []StageName {
	return append([]StageName(nil), stageDeps[s].optional...)
}

// Downstream returns every stage that depends on s, directly or transitively,
// in dependency order. s itself is not included.
func (s StageName) Downstream() []StageName {
	affected := map[StageName]bool{s: true}
	var out []StageName
	for _, candidate := range stageOrder {
		if affected[candidate] {
			continue
		}
		if dependsOnAny(candidate, affected) {
			affected[candidate] = true
			out = append(out, candidate)
		}
	}
	return out
}

func dependsOnAny(s StageName, set map[StageName]bool) bool {
	deps := stageDeps[s]
	for _, up := range deps.required {
		if set[up] {
			return true
		}
	}
	for _, up := range deps.optional {
		if set[up] {
			return true
		}
	}
	return false
}

// WithDownstream returns s followed by its downstream stages.
func (s StageName) WithDownstream() []StageName {
	return append([]StageName{s}, s.Downstream()...)
}

// StageStatus is the lifecycle state of a StageRecord.
type StageStatus string

const (
	StatusNotStarted StageStatus = "not_started"
	StatusProcessing StageStatus = "processing"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// Terminal reports whether the status ends an invocation.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageRecord is the durable status/result record for one (proposal, stage) pair.
type StageRecord struct {
	ProposalID   string          `json:"proposal_id"`
	Stage        StageName       `json:"stage"`
	Status       StageStatus     `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NotStartedRecord is the projection returned for a pair that has never been dispatched.
func NotStartedRecord(proposalID string, stage StageName) *StageRecord {
	return &StageRecord{
		ProposalID: proposalID,
		Stage:      stage,
		Status:     StatusNotStarted,
	}
}

// Completed reports whether the record holds a usable result.
func (r *StageRecord) Completed() bool {
	return r != nil && r.Status == StatusCompleted
}

// InFlight reports whether an execution currently owns the record.
func (r *StageRecord) InFlight() bool {
	return r != nil && r.Status == StatusProcessing
}
