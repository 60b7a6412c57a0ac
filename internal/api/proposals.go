package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/identity"
	"github.com/ashureev/draftsmith/internal/outline"
	"github.com/ashureev/draftsmith/internal/store"
)

// ProposalHandler handles proposal CRUD and the inputs that feed the stages.
type ProposalHandler struct {
	*Handler
	now func() time.Time
}

// NewProposalHandler creates a new proposal handler.
func NewProposalHandler(base *Handler) *ProposalHandler {
	return &ProposalHandler{Handler: base, now: time.Now}
}

// RegisterRoutes registers proposal routes.
func (h *ProposalHandler) RegisterRoutes(r chi.Router) {
	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Archive)
			r.Patch("/metadata", h.UpdateMetadata)
			r.Put("/selection", h.UpdateSelection)
			r.Get("/outline", h.Outline)
		})
	})
}

type createProposalRequest struct {
	Code     string            `json:"code,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

type proposalResponse struct {
	*domain.Proposal
	Stages []*domain.StageRecord `json:"stages,omitempty"`
}

type updateResponse struct {
	Proposal    *domain.Proposal   `json:"proposal"`
	Invalidated []domain.StageName `json:"invalidated"`
}

// Create stores a new proposal owned by the caller.
func (h *ProposalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	p := domain.NewProposal(identity.OwnerIDFromContext(r.Context()), req.Code, req.Metadata, h.now().UTC())
	if err := h.proposals.CreateProposal(r.Context(), p); err != nil {
		h.logger.Error("Failed to create proposal", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create proposal")
		return
	}

	h.logger.Info("Proposal created", "proposal_id", p.ID, "code", p.Code, "owner_id", p.OwnerID)
	JSON(w, http.StatusCreated, p)
}

// List returns the caller's active proposals.
func (h *ProposalHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.proposals.ListProposals(r.Context(), identity.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("Failed to list proposals", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list proposals")
		return
	}
	if list == nil {
		list = []*domain.Proposal{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"proposals": list})
}

// Get returns a proposal together with every stage record.
func (h *ProposalHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	records, err := h.records.List(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("Failed to list stage records", "error", err, "proposal_id", p.ID)
		Error(w, http.StatusInternalServerError, "failed to load stage records")
		return
	}
	JSON(w, http.StatusOK, proposalResponse{Proposal: p, Stages: records})
}

// UpdateMetadata merges a metadata patch. Stages that own a changed key are reset along
// with everything downstream of them.
func (h *ProposalHandler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadActive(w, r)
	if !ok {
		return
	}

	var patch map[string]string
	if err := decodeBody(w, r, &patch); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, changed, err := h.proposals.UpdateMetadata(r.Context(), p.ID, patch)
	if err != nil {
		h.writeStoreError(w, err, "failed to update metadata")
		return
	}

	invalidated := h.invalidate(r, p.ID, domain.InvalidatedBy(changed))
	JSON(w, http.StatusOK, updateResponse{Proposal: updated, Invalidated: invalidated})
}

type selectionRequest struct {
	SelectedSections []string `json:"selected_sections"`
}

// UpdateSelection replaces the selected outline sections and resets document generation.
func (h *ProposalHandler) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadActive(w, r)
	if !ok {
		return
	}

	var req selectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SelectedSections == nil {
		req.SelectedSections = []string{}
	}

	updated, err := h.proposals.UpdateSelection(r.Context(), p.ID, req.SelectedSections)
	if err != nil {
		h.writeStoreError(w, err, "failed to update selection")
		return
	}

	invalidated := h.invalidate(r, p.ID, domain.StageDocumentGeneration.WithDownstream())
	JSON(w, http.StatusOK, updateResponse{Proposal: updated, Invalidated: invalidated})
}

// Outline returns the generated outline with the caller's selection projected onto it.
func (h *ProposalHandler) Outline(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}

	rec, err := h.records.Get(r.Context(), p.ID, domain.StageOutlineGeneration)
	if err != nil {
		h.logger.Error("Failed to get outline record", "error", err, "proposal_id", p.ID)
		Error(w, http.StatusInternalServerError, "failed to load outline")
		return
	}
	if rec.Status != domain.StatusCompleted {
		JSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "outline is not generated",
			"status": rec.Status,
		})
		return
	}

	var o domain.Outline
	if err := json.Unmarshal(rec.Result, &o); err != nil {
		h.logger.Error("Stored outline is not valid JSON", "error", err, "proposal_id", p.ID)
		Error(w, http.StatusInternalServerError, "stored outline is unreadable")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"sections":          outline.ApplySelection(o.Sections, p.SelectedSections),
		"selected_sections": p.SelectedSections,
	})
}

// Archive soft-deletes a proposal. Its stage records are kept for auditing.
func (h *ProposalHandler) Archive(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.proposals.ArchiveProposal(r.Context(), p.ID); err != nil {
		h.writeStoreError(w, err, "failed to archive proposal")
		return
	}
	h.logger.Info("Proposal archived", "proposal_id", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// invalidate resets stages after an input change. In-flight records are left alone by
// the store, so a running job still settles; a later dispatch picks up the new inputs.
func (h *ProposalHandler) invalidate(r *http.Request, proposalID string, stages []domain.StageName) []domain.StageName {
	if len(stages) == 0 {
		return []domain.StageName{}
	}
	n, err := h.records.Reset(r.Context(), proposalID, stages...)
	if err != nil {
		h.logger.Error("Failed to reset stages", "error", err, "proposal_id", proposalID, "stages", stages)
		return []domain.StageName{}
	}
	h.logger.Info("Stages invalidated", "proposal_id", proposalID, "stages", stages, "records_reset", n)
	return stages
}

// load fetches the proposal named in the URL and checks the caller owns it. Foreign
// proposals read as missing.
func (h *ProposalHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Proposal, bool) {
	p, err := h.proposals.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "proposal not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to get proposal", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load proposal")
		return nil, false
	}
	if p.OwnerID != identity.OwnerIDFromContext(r.Context()) {
		Error(w, http.StatusNotFound, "proposal not found")
		return nil, false
	}
	return p, true
}

func (h *ProposalHandler) loadActive(w http.ResponseWriter, r *http.Request) (*domain.Proposal, bool) {
	p, ok := h.load(w, r)
	if !ok {
		return nil, false
	}
	if p.Archived() {
		Error(w, http.StatusConflict, "proposal is archived")
		return nil, false
	}
	return p, true
}

func (h *ProposalHandler) writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "proposal not found")
	case errors.Is(err, store.ErrArchived):
		Error(w, http.StatusConflict, "proposal is archived")
	default:
		h.logger.Error("Proposal store error", "error", err)
		Error(w, http.StatusInternalServerError, msg)
	}
}
