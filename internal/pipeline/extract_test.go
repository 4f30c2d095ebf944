package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-detail/internal/config"
	"github.com/sells-group/company-detail/internal/fetch"
	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/schema"
	"github.com/sells-group/company-detail/internal/trace"
	"github.com/sells-group/company-detail/pkg/anthropic"
)

// captureSink collects closed spans for assertions.
type captureSink struct {
	mu    sync.Mutex
	spans []model.TraceSpan
}

func (s *captureSink) Record(span model.TraceSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, span)
}

func (s *captureSink) named(name string) []model.TraceSpan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TraceSpan
	for _, sp := range s.spans {
		if sp.Name == name {
			out = append(out, sp)
		}
	}
	return out
}

func (s *captureSink) all() []model.TraceSpan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TraceSpan(nil), s.spans...)
}

type pipelineFixture struct {
	pipeline *Pipeline
	fetcher  *mockFetcher
	llm      *mockAnthropicClient
	store    *mockStore
	sink     *captureSink
}

func newFixture(t *testing.T, mutate func(*config.Config)) *pipelineFixture {
	t.Helper()

	cfg := &config.Config{
		Anthropic: config.AnthropicConfig{
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 4096,
		},
		Pipeline: config.PipelineConfig{
			SchemaVersion:     "company_profile@v1",
			MaxOuterRetries:   2,
			MaxRepairAttempts: 2,
			FetchTimeoutSecs:  5,
			ModelTimeoutSecs:  5,
			BackoffInitialMS:  1,
			BackoffMaxSecs:    1,
			BackoffMultiplier: 2.0,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	registry, err := schema.LoadBuiltin()
	require.NoError(t, err)

	fetcher := &mockFetcher{}
	llm := &mockAnthropicClient{}
	st := &mockStore{}
	sink := &captureSink{}

	// Persistence is best-effort during a run; default all store calls to
	// success and let individual tests tighten expectations.
	st.On("CreateRun", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.Run{ID: "run-1", Status: model.RunStatusQueued}, nil).Maybe()
	st.On("UpdateRunStatus", mock.Anything, "run-1", mock.Anything).Return(nil).Maybe()
	st.On("CompleteRun", mock.Anything, "run-1", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return &pipelineFixture{
		pipeline: New(cfg, st, fetcher, llm, registry, trace.NewRecorder(sink)),
		fetcher:  fetcher,
		llm:      llm,
		store:    st,
		sink:     sink,
	}
}

func fixtureRequest() model.ExtractionRequest {
	return model.ExtractionRequest{
		CompanyID:   "acme-1",
		CompanyName: "Acme Corp",
		SourceURL:   "https://acme.example.com/about",
		SessionID:   "company-detail-test",
	}
}

func pageContent() *model.RawContent {
	return &model.RawContent{
		Text:      "Acme Corp builds widgets. Founded 1999. Contact: info@acme.example.com",
		Title:     "About Acme",
		SourceURL: "https://acme.example.com/about",
		FetchedAt: time.Now().UTC(),
		Tokens:    120,
	}
}

func completion(body string) *anthropic.Completion {
	return &anthropic.Completion{
		ID:         "msg_1",
		Model:      "claude-sonnet-4-5-20250929",
		Text:       body,
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}
}

func TestExtract_SucceedsFirstAttempt(t *testing.T) {
	f := newFixture(t, nil)

	f.fetcher.On("Fetch", mock.Anything, "https://acme.example.com/about").Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		// Structured output is forced through a tool whose schema lists the
		// extraction fields.
		return req.Tool != nil &&
			req.Tool.Name == "record_company_profile" &&
			req.Tool.Properties["name"] != nil &&
			len(req.Tool.Required) == 2
	})).Return(completion(`{"name": "Acme Corp", "description": "Builds widgets", "founded_year": 1999}`), nil).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.Record)
	assert.Equal(t, "Acme Corp", run.Record.Fields["name"])
	assert.Equal(t, "acme-1", run.Record.CompanyID)
	assert.Equal(t, "company_profile@v1", run.Record.SchemaVersion)
	assert.Nil(t, run.Failure)
	assert.Equal(t, 1000, run.Usage.PromptTokens)
	assert.Equal(t, 200, run.Usage.CompletionTokens)

	// One span per stage plus the root, all closed.
	assert.Len(t, f.sink.named(spanFetching), 1)
	assert.Len(t, f.sink.named(spanPrompting), 1)
	assert.Len(t, f.sink.named(spanInvoking), 1)
	assert.Len(t, f.sink.named(spanValidating), 1)
	assert.Empty(t, f.sink.named(spanRepairing))

	roots := f.sink.named(spanRoot)
	require.Len(t, roots, 1)
	assert.Equal(t, model.SpanStatusOK, roots[0].Status)
	for _, sp := range f.sink.all() {
		assert.Equal(t, roots[0].TraceID, sp.TraceID)
		assert.False(t, sp.End.IsZero())
	}

	f.fetcher.AssertExpectations(t)
	f.llm.AssertExpectations(t)
}

func TestExtract_RepairRecoversMissingRequiredField(t *testing.T) {
	f := newFixture(t, nil)

	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(completion(`{"description": "Builds widgets"}`), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		// The repair prompt must name the failing field.
		return containsAll(req.Prompt, "Validation failures", "name")
	})).Return(completion(`{"name": "Acme Corp", "description": "Builds widgets"}`), nil).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.Record)
	assert.Equal(t, "Acme Corp", run.Record.Fields["name"])

	assert.Len(t, f.sink.named(spanInvoking), 2)
	assert.Len(t, f.sink.named(spanValidating), 2)
	assert.Len(t, f.sink.named(spanRepairing), 1)

	// Usage accumulates across both invocations.
	assert.Equal(t, 2000, run.Usage.PromptTokens)

	f.llm.AssertExpectations(t)
}

func TestExtract_RepairBudgetExhausted(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.MaxRepairAttempts = 1
	})

	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(completion(`{"description": "Builds widgets"}`), nil).Times(2)

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.RunStatusValidating, perr.Stage)
	require.Len(t, perr.FieldErrors, 1)
	assert.Equal(t, "name", perr.FieldErrors[0].Field)
	assert.Contains(t, perr.LastRawOutput, "Builds widgets")

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, "validating", run.Failure.Stage)
	assert.Len(t, f.sink.named(spanInvoking), 2)
}

func TestExtract_FailureAccumulatesErrorsAcrossAttempts(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.MaxRepairAttempts = 1
	})

	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	// Attempt 1 misses name; attempt 2 fixes name but drops description.
	// employee_count is broken both times and must appear only once.
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(completion(`{"description": "Builds widgets", "employee_count": -5}`), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		return strings.Contains(req.Prompt, "Validation failures")
	})).Return(completion(`{"name": "Acme Corp", "employee_count": -5}`), nil).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Len(t, perr.FieldErrors, 3)
	assert.Equal(t, "name", perr.FieldErrors[0].Field)
	assert.Equal(t, "employee_count", perr.FieldErrors[1].Field)
	assert.Equal(t, "description", perr.FieldErrors[2].Field)

	require.NotNil(t, run.Failure)
	assert.Len(t, run.Failure.FieldErrors, 3)
	f.llm.AssertExpectations(t)
}

func TestExtract_FetchNotFoundSkipsModel(t *testing.T) {
	f := newFixture(t, nil)

	fetchErr := &fetch.Error{Kind: fetch.KindNotFound, URL: "https://acme.example.com/about", Err: eris.New("404")}
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, fetchErr).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.RunStatusFetching, perr.Stage)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, "fetching", run.Failure.Stage)

	// No model call and no invoking span for a failed fetch.
	f.llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	assert.Empty(t, f.sink.named(spanInvoking))

	fetchSpans := f.sink.named(spanFetching)
	require.Len(t, fetchSpans, 1)
	assert.Equal(t, model.SpanStatusError, fetchSpans[0].Status)
	assert.Equal(t, "not_found", fetchSpans[0].Attributes["kind"])

	roots := f.sink.named(spanRoot)
	require.Len(t, roots, 1)
	assert.Equal(t, model.SpanStatusError, roots[0].Status)
}

func TestExtract_RateLimitedRetriesWithinOneSpan(t *testing.T) {
	f := newFixture(t, nil)

	rateLimited := &anthropic.ModelError{Kind: anthropic.KindRateLimited, Err: eris.New("429")}
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(nil, rateLimited).Times(3)

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.RunStatusInvoking, perr.Stage)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	// All retries happen inside a single invoking span.
	invoking := f.sink.named(spanInvoking)
	require.Len(t, invoking, 1)
	assert.Equal(t, model.SpanStatusError, invoking[0].Status)
	assert.Equal(t, 3, invoking[0].Attributes["calls"])
	assert.Equal(t, "rate_limited", invoking[0].Attributes["kind"])

	f.llm.AssertExpectations(t)
}

func TestExtract_InvalidRequestDoesNotRetry(t *testing.T) {
	f := newFixture(t, nil)

	invalid := &anthropic.ModelError{Kind: anthropic.KindInvalidRequest, Err: eris.New("400")}
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(nil, invalid).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	invoking := f.sink.named(spanInvoking)
	require.Len(t, invoking, 1)
	assert.Equal(t, 1, invoking[0].Attributes["calls"])
	f.llm.AssertExpectations(t)
}

func TestExtract_CancellationClosesAllSpans(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	run, err := f.pipeline.Extract(ctx, fixtureRequest())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusCancelled, run.Status)

	invoking := f.sink.named(spanInvoking)
	require.Len(t, invoking, 1)
	assert.Equal(t, model.SpanStatusCancelled, invoking[0].Status)

	roots := f.sink.named(spanRoot)
	require.Len(t, roots, 1)
	assert.Equal(t, model.SpanStatusCancelled, roots[0].Status)
	for _, sp := range f.sink.all() {
		assert.False(t, sp.End.IsZero())
	}
}

func TestExtract_AcceptPartialKeepsOptionalFailures(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.AcceptPartial = true
		cfg.Pipeline.MaxRepairAttempts = 0
	})

	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(pageContent(), nil).Once()
	// founded_year violates its minimum; name and description are valid.
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(completion(`{"name": "Acme Corp", "description": "Builds widgets", "founded_year": 1492}`), nil).Once()

	run, err := f.pipeline.Extract(context.Background(), fixtureRequest())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.Record)
	assert.Equal(t, "Acme Corp", run.Record.Fields["name"])
	assert.NotContains(t, run.Record.Fields, "founded_year")
}

func TestExtract_UnknownSchemaVersion(t *testing.T) {
	f := newFixture(t, nil)

	req := fixtureRequest()
	req.SchemaVersion = "company_profile@v9"

	run, err := f.pipeline.Extract(context.Background(), req)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.RunStatusPrompting, perr.Stage)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
