// Package domain contains core domain types for the draftsmith pipeline.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus is the soft lifecycle state of a proposal. Proposals are never hard-deleted.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalArchived ProposalStatus = "archived"
)

// Well-known metadata keys consumed by the stage executors.
const (
	MetaCategory         = "category"
	MetaOrganizationName = "organization_name"
	MetaRFPText          = "rfp_text"
	MetaRFPDocument      = "rfp_document"
	MetaConcept          = "concept"
	MetaOutlineGuidance  = "outline_guidance"
)

// DefaultCategory is the template category used when a proposal does not set one.
const DefaultCategory = "grant"

// inputOwners maps a metadata key to the earliest stage that consumes it.
var inputOwners = map[string]StageName{
	MetaCategory:         StageRFPAnalysis,
	MetaOrganizationName: StageRFPAnalysis,
	MetaRFPText:          StageRFPAnalysis,
	MetaRFPDocument:      StageRFPAnalysis,
	MetaConcept:          StageConceptEvaluation,
	MetaOutlineGuidance:  StageOutlineGeneration,
}

// StageForInput returns the stage that owns a metadata key.
// Free-form keys are not owned by any stage.
func StageForInput(key string) (StageName, bool) {
	s, ok := inputOwners[key]
	return s, ok
}

// Proposal is the aggregate root a user works on (a grant proposal or newsletter draft).
type Proposal struct {
	ID               string            `json:"id"`
	Code             string            `json:"code"`
	OwnerID          string            `json:"owner_id"`
	Metadata         map[string]string `json:"metadata"`
	SelectedSections []string          `json:"selected_sections"`
	Status           ProposalStatus    `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Category returns the template category of the proposal.
func (p *Proposal) Category() string {
	if c := p.Metadata[MetaCategory]; c != "" {
		return c
	}
	return DefaultCategory
}

// Archived reports whether the proposal was soft-deleted.
func (p *Proposal) Archived() bool {
	return p.Status == ProposalArchived
}

// InvalidatedBy returns the stages (with downstream) whose inputs change when the
// given metadata keys are written, in dependency order.
func InvalidatedBy(keys []string) []StageName {
	earliest := -1
	for _, k := range keys {
		owner, ok := inputOwners[k]
		if !ok {
			continue
		}
		for i, s := range stageOrder {
			if s == owner && (earliest == -1 || i < earliest) {
				earliest = i
			}
		}
	}
	if earliest == -1 {
		return nil
	}
	return stageOrder[earliest].WithDownstream()
}

// NewProposal builds an active proposal with a fresh ID. An empty code is replaced by a
// generated PRP-<YYYYMMDD>-<hex> code.
func NewProposal(ownerID, code string, metadata map[string]string, now time.Time) *Proposal {
	id := uuid.NewString()
	if code == "" {
		code = fmt.Sprintf("PRP-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(strings.ReplaceAll(id, "-", "")[:6]))
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Proposal{
		ID:               id,
		Code:             code,
		OwnerID:          ownerID,
		Metadata:         md,
		SelectedSections: []string{},
		Status:           ProposalActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MergeMetadata applies patch to the proposal's metadata. Empty values delete a key.
// It returns the keys whose value actually changed.
func (p *Proposal) MergeMetadata(patch map[string]string) []string {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string, len(patch))
	}
	var changed []string
	for k, v := range patch {
		old, had := p.Metadata[k]
		switch {
		case v == "" && had:
			delete(p.Metadata, k)
		case v != "" && old != v:
			p.Metadata[k] = v
		default:
			continue
		}
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}
