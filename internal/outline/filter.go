// Package outline reduces a generated outline to the sections a caller selected and
// holds generated documents to that selection.
//
// Matching is by exact, case-sensitive title. Titles that differ only by whitespace or
// case are treated as different sections.
package outline

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/draftsmith/internal/domain"
)

// Mismatch describes how a generated document diverged from the selection.
type Mismatch struct {
	Unexpected []string `json:"unexpected_sections,omitempty"`
	Missing    []string `json:"missing_sections,omitempty"`
}

// Empty reports whether the document matched the selection exactly.
func (m Mismatch) Empty() bool {
	return len(m.Unexpected) == 0 && len(m.Missing) == 0
}

func selectionSet(selected []string) map[string]struct{} {
	set := make(map[string]struct{}, len(selected))
	for _, t := range selected {
		set[t] = struct{}{}
	}
	return set
}

// FilterBySelection returns the sections whose title is in selected, in original order.
func FilterBySelection(sections []domain.OutlineSection, selected []string) []domain.OutlineSection {
	set := selectionSet(selected)
	out := make([]domain.OutlineSection, 0, len(selected))
	for _, s := range sections {
		if _, ok := set[s.Title]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ApplySelection returns a copy of sections with the Selected flag projected from selected.
func ApplySelection(sections []domain.OutlineSection, selected []string) []domain.OutlineSection {
	set := selectionSet(selected)
	out := make([]domain.OutlineSection, len(sections))
	for i, s := range sections {
		_, s.Selected = set[s.Title]
		out[i] = s
	}
	return out
}

// contextSection is what the model sees of a selected section. It has no
// selected flag and no sibling information.
type contextSection struct {
	Title             string   `json:"title"`
	RecommendedLength string   `json:"recommended_length,omitempty"`
	Purpose           string   `json:"purpose,omitempty"`
	Guidance          string   `json:"guidance,omitempty"`
	GuidingQuestions  []string `json:"guiding_questions,omitempty"`
}

// BuildContext renders the filtered sections as the JSON payload fed to the
// document-generation prompt.
func BuildContext(filtered []domain.OutlineSection) (string, error) {
	payload := make([]contextSection, 0, len(filtered))
	for _, s := range filtered {
		payload = append(payload, contextSection{
			Title:             s.Title,
			RecommendedLength: s.RecommendedLength,
			Purpose:           s.Purpose,
			Guidance:          s.Guidance,
			GuidingQuestions:  s.GuidingQuestions,
		})
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal outline context: %w", err)
	}
	return string(data), nil
}

// Validate keeps only generated sections whose title was selected. Duplicates of a
// selected title are collapsed to the first occurrence.
func Validate(generated []domain.DocumentSection, selected []string) ([]domain.DocumentSection, Mismatch) {
	set := selectionSet(selected)
	seen := make(map[string]bool, len(generated))
	var m Mismatch
	kept := make([]domain.DocumentSection, 0, len(generated))

	for _, s := range generated {
		if _, ok := set[s.Title]; !ok {
			m.Unexpected = append(m.Unexpected, s.Title)
			continue
		}
		if seen[s.Title] {
			continue
		}
		seen[s.Title] = true
		kept = append(kept, s)
	}
	for _, t := range selected {
		if !seen[t] {
			m.Missing = append(m.Missing, t)
			seen[t] = true
		}
	}
	return kept, m
}

// LogMismatch records each divergence as an unexpected_section or missing_section event.
func LogMismatch(logger *slog.Logger, proposalID string, m Mismatch) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range m.Unexpected {
		logger.Warn("Dropped section outside selection",
			"event", "unexpected_section",
			"proposal_id", proposalID,
			"title", t)
	}
	for _, t := range m.Missing {
		logger.Warn("Selected section missing from generation",
			"event", "missing_section",
			"proposal_id", proposalID,
			"title", t)
	}
}
