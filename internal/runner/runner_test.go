package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/draftsmith/internal/dispatch"
	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/failure"
	"github.com/ashureev/draftsmith/internal/llm"
	"github.com/ashureev/draftsmith/internal/queue"
	"github.com/ashureev/draftsmith/internal/retry"
	"github.com/ashureev/draftsmith/internal/stage"
	"github.com/ashureev/draftsmith/internal/store"
	"github.com/ashureev/draftsmith/internal/templates"
)

const pid = "p-1"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// sleepRecorder stands in for real back-off sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	records store.StatusStore
	mem     *store.MemoryStore
	model   llm.Client
	sleeps  *sleepRecorder
	runner  *Runner
}

func newHarness(t *testing.T, model llm.Client, opts Options) *harness {
	t.Helper()
	return newHarnessWithStore(t, model, opts, nil)
}

func newHarnessWithStore(t *testing.T, model llm.Client, opts Options, wrap func(*store.MemoryStore) store.StatusStore) *harness {
	t.Helper()
	h := &harness{mem: store.NewMemory(), model: model, sleeps: &sleepRecorder{}}
	h.records = h.mem
	if wrap != nil {
		h.records = wrap(h.mem)
	}
	reg := stage.NewRegistry(stage.Deps{
		Records:   h.records,
		Templates: templates.Defaults(),
		LLM:       model,
		Logger:    quiet,
	})
	opts.Sleeper = h.sleeps
	h.runner = New(h.records, reg, opts, nil, quiet)
	return h
}

func (h *harness) complete(t *testing.T, s domain.StageName, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ctx := context.Background()
	ok, err := h.mem.SetProcessing(ctx, pid, s)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.mem.SetCompleted(ctx, pid, s, raw))
}

// dispatch claims the stage the way the dispatcher does and returns its job.
func (h *harness) dispatch(t *testing.T, s domain.StageName, metadata map[string]string, selected ...string) *domain.Job {
	t.Helper()
	ok, err := h.mem.SetProcessing(context.Background(), pid, s)
	require.NoError(t, err)
	require.True(t, ok)
	return &domain.Job{ID: "job-" + string(s), ProposalID: pid, Stage: s, Metadata: metadata, SelectedSections: selected}
}

func (h *harness) record(t *testing.T, s domain.StageName) *domain.StageRecord {
	t.Helper()
	rec, err := h.mem.Get(context.Background(), pid, s)
	require.NoError(t, err)
	return rec
}

var throttled = failure.Transient(errors.New("429 Too Many Requests: org-xyz quota"), "language model is throttled")

func TestOutlineHappyPath(t *testing.T) {
	model := llm.NewMock(llm.Text(`{"sections": [{"title": "Need Statement"}, {"title": "Budget"}]}`))
	h := newHarness(t, model, Options{})
	h.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "Rural health"})

	job := h.dispatch(t, domain.StageOutlineGeneration, nil)
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageOutlineGeneration)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.NotNil(t, rec.CompletedAt)
	var o domain.Outline
	require.NoError(t, json.Unmarshal(rec.Result, &o))
	assert.Len(t, o.Sections, 2)
	assert.Empty(t, h.sleeps.recorded())
}

func TestMissingUpstreamFailsWithoutRetry(t *testing.T) {
	model := llm.NewMock()
	h := newHarness(t, model, Options{})
	h.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})

	job := h.dispatch(t, domain.StageDocumentGeneration, nil, "Budget")
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageDocumentGeneration)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "outline_generation")
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Empty(t, model.Calls())
	assert.Empty(t, h.sleeps.recorded())
}

func TestSelectionDriftIsFilteredNotFatal(t *testing.T) {
	model := llm.NewMock(llm.Text(`{"sections": [
		{"title": "Executive Summary", "content": "not requested"},
		{"title": "Budget", "content": "$50,000"}
	]}`))
	h := newHarness(t, model, Options{})
	h.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})
	h.complete(t, domain.StageOutlineGeneration, domain.Outline{Sections: []domain.OutlineSection{
		{Title: "Executive Summary"}, {Title: "Need Statement"}, {Title: "Budget"},
	}})

	job := h.dispatch(t, domain.StageDocumentGeneration, nil, "Need Statement", "Budget")
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageDocumentGeneration)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	var d domain.Document
	require.NoError(t, json.Unmarshal(rec.Result, &d))
	assert.Equal(t, []domain.DocumentSection{{Title: "Budget", Content: "$50,000"}}, d.Sections)
}

func TestRetryExhaustionRecordsSanitizedFailure(t *testing.T) {
	model := llm.NewMock(llm.Fail(throttled))
	h := newHarness(t, model, Options{})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "language model is throttled", rec.Error)
	assert.NotContains(t, rec.Error, "org-xyz")
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Len(t, model.Calls(), 3)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, h.sleeps.recorded())
}

func TestTransientFailureRecovers(t *testing.T) {
	model := llm.NewMock(llm.Fail(throttled), llm.Text(`{"summary": "ok"}`))
	h := newHarness(t, model, Options{})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sleeps.recorded())
}

func TestUnclassifiedErrorsAreNotLeaked(t *testing.T) {
	model := llm.NewMock(llm.Fail(errors.New("panic: runtime error at /srv/app/llm.go:88 api_key=sk-live-123")))
	h := newHarness(t, model, Options{})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "internal error while running stage", rec.Error)
	assert.Len(t, model.Calls(), 1)
}

func TestTruncatedReplyIsRetriedOnce(t *testing.T) {
	truncated := llm.Reply{Response: &llm.Response{Text: `{"summary": "cut off`, FinishReason: "length"}}
	model := llm.NewMock(truncated)
	h := newHarness(t, model, Options{})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Len(t, model.Calls(), 2)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestMalformedReplyIsNotRetried(t *testing.T) {
	model := llm.NewMock(llm.Text("I'm sorry, I can't produce JSON today."))
	h := newHarness(t, model, Options{})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "rfp_analysis reply contained no JSON object", rec.Error)
	assert.Len(t, model.Calls(), 1)
}

// blockingClient never answers before its context ends.
type blockingClient struct{}

func (blockingClient) Name() string { return "blocking" }

func (blockingClient) Invoke(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestJobTimeoutIsRecorded(t *testing.T) {
	h := newHarness(t, blockingClient{}, Options{
		StepTimeout: time.Hour,
		JobTimeout:  50 * time.Millisecond,
	})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	rec := h.record(t, domain.StageRFPAnalysis)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "stage execution timed out", rec.Error)
}

func TestShutdownLeavesRecordProcessing(t *testing.T) {
	h := newHarness(t, blockingClient{}, Options{})
	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := h.runner.Handle(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusProcessing, h.record(t, domain.StageRFPAnalysis).Status)
}

func TestJobForSettledRecordIsSkipped(t *testing.T) {
	model := llm.NewMock()
	h := newHarness(t, model, Options{})
	h.complete(t, domain.StageRFPAnalysis, domain.RFPAnalysis{Summary: "s"})

	err := h.runner.Handle(context.Background(), &domain.Job{ID: "late", ProposalID: pid, Stage: domain.StageRFPAnalysis})
	require.NoError(t, err)
	assert.Empty(t, model.Calls())
	assert.Equal(t, domain.StatusCompleted, h.record(t, domain.StageRFPAnalysis).Status)
}

// flakyStore fails the first terminal write with a transient error.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) SetCompleted(ctx context.Context, proposalID string, s domain.StageName, result []byte) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.MemoryStore.SetCompleted(ctx, proposalID, s, result)
}

func TestOutcomeWriteIsRetried(t *testing.T) {
	model := llm.NewMock(llm.Text(`{"summary": "ok"}`))
	h := newHarnessWithStore(t, model, Options{}, func(m *store.MemoryStore) store.StatusStore {
		return &flakyStore{MemoryStore: m, failures: 2}
	})

	job := h.dispatch(t, domain.StageRFPAnalysis, map[string]string{domain.MetaRFPText: "x"})
	require.NoError(t, h.runner.Handle(context.Background(), job))

	assert.Equal(t, domain.StatusCompleted, h.record(t, domain.StageRFPAnalysis).Status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps.recorded())
}

func TestDispatchToCompletionThroughLocalQueue(t *testing.T) {
	mem := store.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := domain.NewProposal("owner-1", "", map[string]string{domain.MetaRFPText: "Fund for rural clinics."}, time.Now())
	require.NoError(t, mem.CreateProposal(ctx, p))

	model := llm.NewMock(llm.Text(`{"summary": "Rural health"}`))
	reg := stage.NewRegistry(stage.Deps{Records: mem, Templates: templates.Defaults(), LLM: model, Logger: quiet})
	run := New(mem, reg, Options{Sleeper: retry.SleeperFunc(func(context.Context, time.Duration) error { return nil })}, nil, quiet)

	q := queue.NewLocal(8, 2, quiet)
	go func() { _ = q.Consume(ctx, run.Handle) }()

	d := dispatch.New(mem, mem, q, nil, quiet)
	res, err := d.Dispatch(ctx, p.ID, domain.StageRFPAnalysis, dispatch.Options{})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, res.Status)

	require.Eventually(t, func() bool {
		rec, err := d.Status(ctx, p.ID, domain.StageRFPAnalysis)
		return err == nil && rec.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	res, err = d.Dispatch(ctx, p.ID, domain.StageRFPAnalysis, dispatch.Options{})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.JSONEq(t, `{"summary":"Rural health","requirements":null,"evaluation_criteria":null,"deadlines":null,"funding_priorities":null}`, string(res.Result))
	assert.Len(t, model.Calls(), 1)
}
