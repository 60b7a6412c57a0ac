// Package api provides HTTP handlers for the draftsmith API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/draftsmith/internal/store"
)

// maxBodyBytes bounds request bodies. Inline RFP text is the largest expected field.
const maxBodyBytes = 4 << 20

// Handler provides common handler utilities.
type Handler struct {
	records   store.StatusStore
	proposals store.ProposalRepository
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. Stage records and proposals
// may live in different backends.
func NewHandler(records store.StatusStore, proposals store.ProposalRepository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		records:   records,
		proposals: proposals,
		logger:    logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
