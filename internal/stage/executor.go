// Package stage implements the generation stages. Every stage runs the same algorithm:
// check upstream records, fetch the prompt template, build the substitution context,
// resolve it, invoke the model and parse the reply into the stage's schema.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/draftsmith/internal/documents"
	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/failure"
	"github.com/ashureev/draftsmith/internal/llm"
	"github.com/ashureev/draftsmith/internal/metrics"
	"github.com/ashureev/draftsmith/internal/prompt"
	"github.com/ashureev/draftsmith/internal/templates"
)

// TemplateSection is the template store section holding stage prompts.
const TemplateSection = "proposal"

// RecordReader is the read side of the status store.
type RecordReader interface {
	Get(ctx context.Context, proposalID string, stage domain.StageName) (*domain.StageRecord, error)
}

// Deps are the collaborators shared by all executors.
type Deps struct {
	Records   RecordReader
	Templates templates.Store
	LLM       llm.Client
	Documents documents.Source
	Extractor *documents.Extractor
	Resolver  *prompt.Resolver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (d *Deps) withDefaults() {
	if d.Resolver == nil {
		d.Resolver = prompt.NewResolver()
	}
	if d.Extractor == nil {
		d.Extractor = documents.NewExtractor()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// call carries everything one execution needs.
type call struct {
	stage    domain.StageName
	job      *domain.Job
	upstream map[domain.StageName]*domain.StageRecord
	deps     *Deps
	response *llm.Response
}

// upstreamJSON returns the stored result of a completed upstream stage, indented for the
// prompt, or fallback when the stage has no completed record.
func (c *call) upstreamJSON(s domain.StageName, fallback string) string {
	rec, ok := c.upstream[s]
	if !ok || !rec.Completed() || len(rec.Result) == 0 {
		return fallback
	}
	var v any
	if err := json.Unmarshal(rec.Result, &v); err != nil {
		return string(rec.Result)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(rec.Result)
	}
	return string(out)
}

func (c *call) formatError(cause error, format string, args ...any) error {
	return failure.ResponseFormat(cause, c.response.Truncated(), format, args...)
}

// definition is the per-stage part of the algorithm.
type definition struct {
	name        domain.StageName
	temperature float64
	maxTokens   int
	// buildContext returns the placeholder values for the stage's template.
	buildContext func(ctx context.Context, c *call) (map[string]string, error)
	// parse converts the model reply into the stage result.
	parse func(c *call) (any, error)
}

// Executor runs one stage.
type Executor struct {
	def  definition
	deps *Deps
}

// Name returns the stage the executor runs.
func (e *Executor) Name() domain.StageName {
	return e.def.name
}

// Sampling returns the temperature and output limit used for the stage.
func (e *Executor) Sampling() (float64, int) {
	return e.def.temperature, e.def.maxTokens
}

// Execute runs the stage for a job and returns the JSON result to persist.
func (e *Executor) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	logger := e.deps.Logger.With("proposal_id", job.ProposalID, "stage", e.def.name, "job_id", job.ID)

	upstream, err := e.loadUpstream(ctx, job.ProposalID)
	if err != nil {
		return nil, err
	}

	category := job.Category()
	tmpl, err := e.deps.Templates.Lookup(ctx, TemplateSection, string(e.def.name), category)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			return nil, failure.Template(err, "no prompt template for stage %s and category %s", e.def.name, category)
		}
		return nil, fmt.Errorf("lookup template: %w", err)
	}

	c := &call{stage: e.def.name, job: job, upstream: upstream, deps: e.deps}
	vars, err := e.def.buildContext(ctx, c)
	if err != nil {
		return nil, err
	}
	vars["CATEGORY"] = category
	vars["ORGANIZATION_NAME"] = valueOr(job.Metadata[domain.MetaOrganizationName], "Not provided")

	system, err := e.deps.Resolver.ResolveStrict(tmpl.SystemPrompt, vars)
	if err != nil {
		return nil, err
	}
	user, err := e.deps.Resolver.ResolveStrict(tmpl.UserPromptTemplate, vars)
	if err != nil {
		return nil, err
	}

	logger.Debug("Invoking language model", "model", e.deps.LLM.Name(), "max_tokens", e.def.maxTokens)
	resp, err := e.deps.LLM.Invoke(ctx, llm.Request{
		SystemPrompt: system,
		UserPrompt:   user,
		MaxTokens:    e.def.maxTokens,
		Temperature:  e.def.temperature,
		ProposalID:   job.ProposalID,
		Stage:        string(e.def.name),
	})
	if err != nil {
		return nil, err
	}
	c.response = resp

	result, err := e.def.parse(c)
	if err != nil {
		logger.Warn("Model reply did not match stage schema",
			"finish_reason", resp.FinishReason,
			"truncated", resp.Truncated(),
			"error", err)
		return nil, err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", e.def.name, err)
	}
	return out, nil
}

// loadUpstream fails fast when a required upstream stage has not completed. Optional
// upstream stages are included only when completed.
func (e *Executor) loadUpstream(ctx context.Context, proposalID string) (map[domain.StageName]*domain.StageRecord, error) {
	out := make(map[domain.StageName]*domain.StageRecord)
	for _, up := range e.def.name.RequiredUpstream() {
		rec, err := e.deps.Records.Get(ctx, proposalID, up)
		if err != nil {
			return nil, fmt.Errorf("load upstream %s: %w", up, err)
		}
		if !rec.Completed() {
			return nil, failure.Precondition(nil, "required upstream stage %s is not completed (status: %s)", up, rec.Status)
		}
		out[up] = rec
	}
	for _, up := range e.def.name.OptionalUpstream() {
		rec, err := e.deps.Records.Get(ctx, proposalID, up)
		if err != nil {
			return nil, fmt.Errorf("load upstream %s: %w", up, err)
		}
		if rec.Completed() {
			out[up] = rec
		}
	}
	return out, nil
}

// Registry maps stage names to executors.
type Registry struct {
	executors map[domain.StageName]*Executor
}

// NewRegistry builds an executor for every stage.
func NewRegistry(deps Deps) *Registry {
	deps.withDefaults()
	r := &Registry{executors: make(map[domain.StageName]*Executor)}
	for _, def := range definitions() {
		r.executors[def.name] = &Executor{def: def, deps: &deps}
	}
	return r
}

// Lookup returns the executor for a stage.
func (r *Registry) Lookup(name domain.StageName) (*Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
