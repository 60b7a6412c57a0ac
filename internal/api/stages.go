package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/draftsmith/internal/dispatch"
	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/identity"
	"github.com/ashureev/draftsmith/internal/store"
)

// StageHandler exposes stage dispatch and polling.
type StageHandler struct {
	*Handler
	dispatcher *dispatch.Dispatcher
}

// NewStageHandler creates a new stage handler.
func NewStageHandler(base *Handler, d *dispatch.Dispatcher) *StageHandler {
	return &StageHandler{Handler: base, dispatcher: d}
}

// RegisterRoutes registers stage routes.
func (h *StageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/stages/{stage}", func(r chi.Router) {
		r.Post("/run", h.Run)
		r.Get("/status", h.Status)
	})
}

type runRequest struct {
	ProposalID string `json:"proposal_id"`
	Force      bool   `json:"force,omitempty"`
}

// Run dispatches a stage. It never waits for generation: a new or in-flight job answers
// 202 and the caller polls Status.
func (h *StageHandler) Run(w http.ResponseWriter, r *http.Request) {
	stage, ok := domain.ParseStage(chi.URLParam(r, "stage"))
	if !ok {
		Error(w, http.StatusBadRequest, "unknown stage")
		return
	}

	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.checkOwner(r, req.ProposalID); err != nil {
		h.dispatchError(w, err)
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), req.ProposalID, stage, dispatch.Options{Force: req.Force})
	if err != nil {
		h.dispatchError(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == domain.StatusProcessing {
		status = http.StatusAccepted
	}
	JSON(w, status, res)
}

// Status returns the polling projection of one stage record.
func (h *StageHandler) Status(w http.ResponseWriter, r *http.Request) {
	stage, ok := domain.ParseStage(chi.URLParam(r, "stage"))
	if !ok {
		Error(w, http.StatusBadRequest, "unknown stage")
		return
	}

	proposalID := r.URL.Query().Get("proposal_id")
	if err := h.checkOwner(r, proposalID); err != nil {
		h.dispatchError(w, err)
		return
	}

	rec, err := h.dispatcher.Status(r.Context(), proposalID, stage)
	if err != nil {
		h.dispatchError(w, err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

// checkOwner reports proposals of another owner as not found. An empty ID is left for
// the dispatcher to reject.
func (h *StageHandler) checkOwner(r *http.Request, proposalID string) error {
	if proposalID == "" {
		return nil
	}
	p, err := h.proposals.GetProposal(r.Context(), proposalID)
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.ErrProposalNotFound
	}
	if err != nil {
		return err
	}
	if p.OwnerID != identity.OwnerIDFromContext(r.Context()) {
		return dispatch.ErrProposalNotFound
	}
	return nil
}

func (h *StageHandler) dispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrProposalNotFound):
		Error(w, http.StatusNotFound, "proposal not found")
	case errors.Is(err, dispatch.ErrProposalArchived):
		Error(w, http.StatusConflict, "proposal is archived")
	default:
		h.logger.Error("Stage request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
