package stage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/draftsmith/internal/documents"
	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/failure"
	"github.com/ashureev/draftsmith/internal/llm"
	"github.com/ashureev/draftsmith/internal/prompt"
	"github.com/ashureev/draftsmith/internal/store"
	"github.com/ashureev/draftsmith/internal/templates"
)

const proposalID = "p-1"

type fixture struct {
	records *store.MemoryStore
	model   *llm.Mock
	reg     *Registry
}

func newFixture(t *testing.T, replies ...llm.Reply) *fixture {
	t.Helper()
	f := &fixture{records: store.NewMemory(), model: llm.NewMock(replies...)}
	f.reg = NewRegistry(Deps{
		Records:   f.records,
		Templates: templates.Defaults(),
		LLM:       f.model,
		Documents: documents.NewFSSource(fstest.MapFS{
			"rfp/call.html": {Data: []byte(`<html><head><style>p{color:red}</style></head>
<body><h1>Community Health Fund</h1><p>Applicants must serve <b>rural</b> counties.</p>
<script>alert(1)</script></body></html>`)},
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) complete(t *testing.T, s domain.StageName, result any) {
	t.Helper()
	ctx := context.Background()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	claimed, err := f.records.SetProcessing(ctx, proposalID, s)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.records.SetCompleted(ctx, proposalID, s, raw))
}

func (f *fixture) run(t *testing.T, s domain.StageName, job *domain.Job) (json.RawMessage, error) {
	t.Helper()
	exec, ok := f.reg.Lookup(s)
	require.True(t, ok)
	job.ProposalID = proposalID
	job.Stage = s
	return exec.Execute(context.Background(), job)
}

var sampleOutline = domain.Outline{Sections: []domain.OutlineSection{
	{Title: "Executive Summary", Purpose: "Overview"},
	{Title: "Need Statement", Purpose: "Problem"},
	{Title: "Budget", Purpose: "Costs"},
}}

func TestRegistryCoversEveryStage(t *testing.T) {
	reg := NewRegistry(Deps{})
	for _, s := range domain.AllStages() {
		exec, ok := reg.Lookup(s)
		require.True(t, ok, s)
		assert.Equal(t, s, exec.Name())
	}
	_, ok := reg.Lookup("budget_review")
	assert.False(t, ok)
}

func TestSamplingIncreasesTowardsDrafting(t *testing.T) {
	reg := NewRegistry(Deps{})
	prevTemp, prevTokens := -1.0, 0
	for _, s := range []domain.StageName{
		domain.StageRFPAnalysis,
		domain.StageConceptEvaluation,
		domain.StageOutlineGeneration,
		domain.StageDocumentGeneration,
	} {
		exec, _ := reg.Lookup(s)
		temp, tokens := exec.Sampling()
		assert.Greater(t, temp, prevTemp, s)
		assert.Positive(t, tokens, s)
		prevTemp = temp
		if s != domain.StageConceptEvaluation {
			assert.Greater(t, tokens, prevTokens, s)
		}
		prevTokens = tokens
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":1}\nThanks!", `{"a":1}`},
		{"fenced", "```json\n{\"a\": [1, 2]}\n```", `{"a": [1, 2]}`},
		{"trailing commas", `{"a": [1, 2,], "b": 3,}`, `{"a": [1, 2], "b": 3}`},
		{"line comment", "{\"a\": 1 // count\n}", "{\"a\": 1 \n}"},
		{"comment marker in string", `{"url": "https://example.org"}`, `{"url": "https://example.org"}`},
		{"comma in string", `{"a": "x,}"}`, `{"a": "x,}"}`},
		{"no object", "sorry, I cannot help", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSONObject(tt.in))
		})
	}
}

func TestSectionsFromMarkdown(t *testing.T) {
	src := "Preamble the model added.\n\n" +
		"## Executive Summary\n\nWe serve rural counties.\n\n" +
		"### Detail\n\nStill part of the summary.\n\n" +
		"Need Statement\n--------------\n\nAccess is limited.\n\n" +
		"## Budget\n"

	got := sectionsFromMarkdown(src)
	require.Len(t, got, 3)
	assert.Equal(t, "Executive Summary", got[0].Title)
	assert.Equal(t, "We serve rural counties.\n\n### Detail\n\nStill part of the summary.", got[0].Content)
	assert.Equal(t, "Need Statement", got[1].Title)
	assert.Equal(t, "Access is limited.", got[1].Content)
	assert.Equal(t, "Budget", got[2].Title)
	assert.Empty(t, got[2].Content)

	assert.Empty(t, sectionsFromMarkdown("no headings at all"))
}

func TestRFPAnalysisFromInlineText(t *testing.T) {
	f := newFixture(t, llm.Text("```json\n{\"summary\": \"Rural health\", \"requirements\": [\"501(c)(3)\",],}\n```"))

	out, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPText:          "Fund for rural clinics.",
		domain.MetaOrganizationName: "Valley Clinic",
	}})
	require.NoError(t, err)

	var a domain.RFPAnalysis
	require.NoError(t, json.Unmarshal(out, &a))
	assert.Equal(t, "Rural health", a.Summary)
	assert.Equal(t, []string{"501(c)(3)"}, a.Requirements)

	calls := f.model.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].UserPrompt, "Fund for rural clinics.")
	assert.Contains(t, calls[0].UserPrompt, "Valley Clinic")
	assert.Equal(t, 0.2, calls[0].Temperature)
	assert.Empty(t, promptLeftovers(calls[0]))
}

func TestRFPAnalysisKeepsFormPlaceholdersInRFPText(t *testing.T) {
	f := newFixture(t, llm.Text(`{"summary": "Form-based call"}`))
	rfp := "Cover sheet: {{applicant_name}} requests {[amount]} from {{ORGANIZATION_NAME}}."

	_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPText:          rfp,
		domain.MetaOrganizationName: "Valley Clinic",
	}})
	require.NoError(t, err)

	calls := f.model.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].UserPrompt, rfp)
}

func TestRFPAnalysisFromHTMLDocument(t *testing.T) {
	f := newFixture(t, llm.Text(`{"summary": "ok"}`))

	_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPDocument: "rfp/call.html",
	}})
	require.NoError(t, err)

	user := f.model.Calls()[0].UserPrompt
	assert.Contains(t, user, "Community Health Fund")
	assert.Contains(t, user, "**rural**")
	assert.NotContains(t, user, "<p>")
	assert.NotContains(t, user, "alert(1)")
	assert.NotContains(t, user, "color:red")
	assert.Contains(t, user, "Not provided")
}

func TestRFPAnalysisInputErrors(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		msg      string
	}{
		{"no input", nil, "rfp_analysis requires rfp_text or rfp_document"},
		{"missing document", map[string]string{domain.MetaRFPDocument: "rfp/none.html"}, "rfp document rfp/none.html was not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: tt.metadata})
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindPrecondition))
			assert.Equal(t, tt.msg, failure.Public(err))
			assert.Empty(t, f.model.Calls())
		})
	}
}

func TestMissingUpstreamFailsBeforeInvokingModel(t *testing.T) {
	f := newFixture(t)
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})

	_, err := f.run(t, domain.StageDocumentGeneration, &domain.Job{SelectedSections: []string{"Budget"}})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindPrecondition))
	assert.False(t, failure.IsRetryable(err))
	assert.Contains(t, failure.Public(err), "outline_generation")
	assert.Contains(t, failure.Public(err), "not_started")
	assert.Empty(t, f.model.Calls())
}

func TestConceptEvaluationIsOptionalUpstream(t *testing.T) {
	f := newFixture(t, llm.Text(`{"sections": [{"title": "Budget"}]}`))
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "Rural health"})

	_, err := f.run(t, domain.StageOutlineGeneration, &domain.Job{})
	require.NoError(t, err)

	user := f.model.Calls()[0].UserPrompt
	assert.Contains(t, user, `"summary": "Rural health"`)
	assert.Contains(t, user, "Not available.")
	assert.Contains(t, user, "None.")
}

func TestUnknownCategoryIsTemplateError(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPText:  "x",
		domain.MetaCategory: "press_release",
	}})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTemplate))
	assert.Contains(t, failure.Public(err), "press_release")
	assert.Empty(t, f.model.Calls())
}

func TestUnresolvedPlaceholderIsTemplateError(t *testing.T) {
	catalog, err := templates.NewCatalog(domain.PromptTemplate{
		Section:            TemplateSection,
		SubSection:         string(domain.StageRFPAnalysis),
		Category:           domain.DefaultCategory,
		UserPromptTemplate: "{{RFP_TEXT}} for {[FUNDER_NAME]}",
	})
	require.NoError(t, err)
	model := llm.NewMock()
	reg := NewRegistry(Deps{Records: store.NewMemory(), Templates: catalog, LLM: model})
	exec, _ := reg.Lookup(domain.StageRFPAnalysis)

	_, err = exec.Execute(context.Background(), &domain.Job{
		ProposalID: proposalID,
		Metadata:   map[string]string{domain.MetaRFPText: "x"},
	})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTemplate))
	assert.Contains(t, failure.Public(err), "FUNDER_NAME")
	assert.Empty(t, model.Calls())
}

func TestConceptEvaluationValidatesScore(t *testing.T) {
	f := newFixture(t, llm.Text(`{"summary": "fit", "fit_score": 14}`))
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})

	_, err := f.run(t, domain.StageConceptEvaluation, &domain.Job{Metadata: map[string]string{
		domain.MetaConcept: "Mobile clinics",
	}})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindResponseFormat))
	assert.False(t, failure.IsRetryable(err))
}

func TestOutlineDedupesAndClearsSelection(t *testing.T) {
	f := newFixture(t, llm.Text(`{"sections": [
		{"title": " Executive Summary ", "purpose": "first", "selected": true},
		{"title": "Budget"},
		{"title": "Executive Summary", "purpose": "duplicate"},
		{"title": ""}
	]}`))
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})

	out, err := f.run(t, domain.StageOutlineGeneration, &domain.Job{})
	require.NoError(t, err)

	var o domain.Outline
	require.NoError(t, json.Unmarshal(out, &o))
	require.Len(t, o.Sections, 2)
	assert.Equal(t, "Executive Summary", o.Sections[0].Title)
	assert.Equal(t, "first", o.Sections[0].Purpose)
	assert.False(t, o.Sections[0].Selected)
	assert.Equal(t, []string{}, o.Sections[1].GuidingQuestions)
}

func TestDocumentSeesOnlySelectedSections(t *testing.T) {
	f := newFixture(t, llm.Text(`{"sections": [
		{"title": "Need Statement", "content": "Access is limited."},
		{"title": "Budget", "content": "$50,000"}
	]}`))
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})
	f.complete(t, domain.StageOutlineGeneration, sampleOutline)

	out, err := f.run(t, domain.StageDocumentGeneration, &domain.Job{
		SelectedSections: []string{"Need Statement", "Budget"},
	})
	require.NoError(t, err)

	user := f.model.Calls()[0].UserPrompt
	assert.Contains(t, user, "Need Statement")
	assert.Contains(t, user, "Budget")
	assert.NotContains(t, user, "Executive Summary")
	assert.NotContains(t, user, `"selected"`)

	var d domain.Document
	require.NoError(t, json.Unmarshal(out, &d))
	assert.Equal(t, []domain.DocumentSection{
		{Title: "Need Statement", Content: "Access is limited."},
		{Title: "Budget", Content: "$50,000"},
	}, d.Sections)
}

func TestDocumentDropsUnselectedSections(t *testing.T) {
	f := newFixture(t, llm.Text("## Executive Summary\n\nUnrequested.\n\n## Budget\n\n$50,000\n"))
	f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})
	f.complete(t, domain.StageOutlineGeneration, sampleOutline)

	out, err := f.run(t, domain.StageDocumentGeneration, &domain.Job{
		SelectedSections: []string{"Need Statement", "Budget"},
	})
	require.NoError(t, err)

	var d domain.Document
	require.NoError(t, json.Unmarshal(out, &d))
	assert.Equal(t, []domain.DocumentSection{{Title: "Budget", Content: "$50,000"}}, d.Sections)
}

func TestDocumentPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		msg      string
	}{
		{"nothing selected", nil, "no outline sections are selected"},
		{"selection not in outline", []string{"Appendix"}, "none of the selected sections exist in the outline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})
			f.complete(t, domain.StageOutlineGeneration, sampleOutline)

			_, err := f.run(t, domain.StageDocumentGeneration, &domain.Job{SelectedSections: tt.selected})
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindPrecondition))
			assert.Equal(t, tt.msg, failure.Public(err))
			assert.Empty(t, f.model.Calls())
		})
	}
}

func TestTruncatedReplyIsRetryable(t *testing.T) {
	tests := []struct {
		reason    string
		retryable bool
	}{
		{"length", true},
		{"max_tokens", true},
		{"stop", false},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			f := newFixture(t, llm.Reply{Response: &llm.Response{
				Text:         `{"summary": "The fund supports rural clinics in`,
				FinishReason: tt.reason,
			}})

			_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{domain.MetaRFPText: "x"}})
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindResponseFormat))
			assert.Equal(t, tt.retryable, failure.IsRetryable(err))
		})
	}
}

func TestModelErrorsPassThrough(t *testing.T) {
	throttled := failure.Transient(errors.New("429"), "language model is throttled")
	f := newFixture(t, llm.Fail(throttled))

	_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{domain.MetaRFPText: "x"}})
	assert.ErrorIs(t, err, throttled)
	assert.True(t, failure.IsRetryable(err))
}

func TestNewsletterCategoryUsesItsTemplates(t *testing.T) {
	f := newFixture(t, llm.Text(`{"summary": "ok"}`))

	_, err := f.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPText:  "Monthly update for donors.",
		domain.MetaCategory: "newsletter",
	}})
	require.NoError(t, err)

	grant := newFixture(t, llm.Text(`{"summary": "ok"}`))
	_, err = grant.run(t, domain.StageRFPAnalysis, &domain.Job{Metadata: map[string]string{
		domain.MetaRFPText: "Monthly update for donors.",
	}})
	require.NoError(t, err)

	assert.NotEqual(t, grant.model.Calls()[0].SystemPrompt, f.model.Calls()[0].SystemPrompt)
}

func promptLeftovers(req llm.Request) []string {
	return append(prompt.Unresolved(req.SystemPrompt), prompt.Unresolved(req.UserPrompt)...)
}
