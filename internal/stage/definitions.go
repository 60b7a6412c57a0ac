package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ashureev/draftsmith/internal/documents"
	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/failure"
	"github.com/ashureev/draftsmith/internal/outline"
)

const (
	notAvailable = "Not available."
	noGuidance   = "None."
)

func definitions() []definition {
	return []definition{
		{
			name:         domain.StageRFPAnalysis,
			temperature:  0.2,
			maxTokens:    4096,
			buildContext: rfpContext,
			parse:        parseRFPAnalysis,
		},
		{
			name:         domain.StageConceptEvaluation,
			temperature:  0.3,
			maxTokens:    3072,
			buildContext: conceptContext,
			parse:        parseConceptEvaluation,
		},
		{
			name:         domain.StageOutlineGeneration,
			temperature:  0.4,
			maxTokens:    6144,
			buildContext: outlineContext,
			parse:        parseOutline,
		},
		{
			name:         domain.StageDocumentGeneration,
			temperature:  0.7,
			maxTokens:    12288,
			buildContext: documentContext,
			parse:        parseDocument,
		},
	}
}

func rfpContext(ctx context.Context, c *call) (map[string]string, error) {
	text := strings.TrimSpace(c.job.Metadata[domain.MetaRFPText])
	if text == "" {
		key := c.job.Metadata[domain.MetaRFPDocument]
		if key == "" {
			return nil, failure.Precondition(nil, "rfp_analysis requires %s or %s", domain.MetaRFPText, domain.MetaRFPDocument)
		}
		if c.deps.Documents == nil {
			return nil, failure.Precondition(nil, "no document store is configured for %s", domain.MetaRFPDocument)
		}
		doc, err := c.deps.Documents.Fetch(ctx, key)
		switch {
		case errors.Is(err, documents.ErrNotFound):
			return nil, failure.Precondition(err, "rfp document %s was not found", key)
		case err != nil:
			return nil, failure.Transient(err, "document store unavailable")
		}
		text, err = c.deps.Extractor.Text(doc)
		if err != nil {
			return nil, failure.Precondition(err, "rfp document %s could not be read as text", key)
		}
	}
	if text == "" {
		return nil, failure.Precondition(nil, "rfp text is empty")
	}
	return map[string]string{"RFP_TEXT": text}, nil
}

func conceptContext(_ context.Context, c *call) (map[string]string, error) {
	concept := strings.TrimSpace(c.job.Metadata[domain.MetaConcept])
	if concept == "" {
		return nil, failure.Precondition(nil, "concept_evaluation requires %s", domain.MetaConcept)
	}
	return map[string]string{
		"RFP_ANALYSIS": c.upstreamJSON(domain.StageRFPAnalysis, notAvailable),
		"CONCEPT":      concept,
	}, nil
}

func outlineContext(_ context.Context, c *call) (map[string]string, error) {
	return map[string]string{
		"RFP_ANALYSIS":       c.upstreamJSON(domain.StageRFPAnalysis, notAvailable),
		"CONCEPT_EVALUATION": c.upstreamJSON(domain.StageConceptEvaluation, notAvailable),
		"OUTLINE_GUIDANCE":   valueOr(strings.TrimSpace(c.job.Metadata[domain.MetaOutlineGuidance]), noGuidance),
	}, nil
}

func documentContext(_ context.Context, c *call) (map[string]string, error) {
	if len(c.job.SelectedSections) == 0 {
		return nil, failure.Precondition(nil, "no outline sections are selected")
	}

	var o domain.Outline
	if err := json.Unmarshal(c.upstream[domain.StageOutlineGeneration].Result, &o); err != nil {
		return nil, failure.Precondition(err, "stored outline could not be read")
	}
	filtered := outline.FilterBySelection(o.Sections, c.job.SelectedSections)
	if len(filtered) == 0 {
		return nil, failure.Precondition(nil, "none of the selected sections exist in the outline")
	}
	outlineJSON, err := outline.BuildContext(filtered)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"RFP_ANALYSIS":       c.upstreamJSON(domain.StageRFPAnalysis, notAvailable),
		"CONCEPT_EVALUATION": c.upstreamJSON(domain.StageConceptEvaluation, notAvailable),
		"OUTLINE_CONTEXT":    outlineJSON,
	}, nil
}

// decodeObject extracts and decodes a JSON object from the model reply.
func decodeObject(c *call, v any) error {
	raw := extractJSONObject(c.response.Text)
	if raw == "" {
		return c.formatError(nil, "%s reply contained no JSON object", c.stage)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return c.formatError(err, "%s reply was not valid JSON", c.stage)
	}
	return nil
}

func parseRFPAnalysis(c *call) (any, error) {
	var a domain.RFPAnalysis
	if err := decodeObject(c, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Summary) == "" {
		return nil, c.formatError(nil, "rfp_analysis reply has no summary")
	}
	return a, nil
}

func parseConceptEvaluation(c *call) (any, error) {
	var e domain.ConceptEvaluation
	if err := decodeObject(c, &e); err != nil {
		return nil, err
	}
	if e.FitScore < 0 || e.FitScore > 10 {
		return nil, c.formatError(nil, "concept_evaluation fit_score %.1f is outside 0-10", e.FitScore)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return nil, c.formatError(nil, "concept_evaluation reply has no summary")
	}
	return e, nil
}

// parseOutline keeps the first section for each distinct non-empty title.
func parseOutline(c *call) (any, error) {
	var o domain.Outline
	if err := decodeObject(c, &o); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(o.Sections))
	sections := make([]domain.OutlineSection, 0, len(o.Sections))
	for _, s := range o.Sections {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" || seen[s.Title] {
			continue
		}
		seen[s.Title] = true
		s.Selected = false
		if s.GuidingQuestions == nil {
			s.GuidingQuestions = []string{}
		}
		sections = append(sections, s)
	}
	if len(sections) == 0 {
		return nil, c.formatError(nil, "outline_generation reply has no sections")
	}
	return domain.Outline{Sections: sections}, nil
}

// parseDocument accepts a JSON section list or, failing that, Markdown with level-2
// headings. Sections outside the selection are dropped.
func parseDocument(c *call) (any, error) {
	var generated []domain.DocumentSection

	var d domain.Document
	raw := extractJSONObject(c.response.Text)
	if raw != "" && json.Unmarshal([]byte(raw), &d) == nil && len(d.Sections) > 0 {
		generated = d.Sections
	} else {
		generated = sectionsFromMarkdown(c.response.Text)
	}
	if len(generated) == 0 {
		return nil, c.formatError(nil, "document_generation reply has no sections")
	}
	for i := range generated {
		generated[i].Title = strings.TrimSpace(generated[i].Title)
	}

	kept, mismatch := outline.Validate(generated, c.job.SelectedSections)
	if !mismatch.Empty() {
		outline.LogMismatch(c.deps.Logger, c.job.ProposalID, mismatch)
		c.deps.Metrics.SectionMismatch("unexpected_section", len(mismatch.Unexpected))
		c.deps.Metrics.SectionMismatch("missing_section", len(mismatch.Missing))
	}
	return domain.Document{Sections: kept}, nil
}
