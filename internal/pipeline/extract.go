package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/company-detail/internal/fetch"
	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/prompt"
	"github.com/sells-group/company-detail/internal/resilience"
	"github.com/sells-group/company-detail/internal/schema"
	"github.com/sells-group/company-detail/internal/trace"
	"github.com/sells-group/company-detail/internal/validate"
	"github.com/sells-group/company-detail/pkg/anthropic"
)

// Span names, one per pipeline stage plus the root workflow span.
const (
	spanRoot       = "extract_company"
	spanFetching   = "fetching"
	spanPrompting  = "prompting"
	spanInvoking   = "invoking"
	spanValidating = "validating"
	spanRepairing  = "repairing"
)

// Extract runs the full pipeline for one request. The returned Run always
// reflects the terminal state; the error is a *Error when the run failed
// or was cancelled, nil when it succeeded.
func (p *Pipeline) Extract(ctx context.Context, req model.ExtractionRequest) (*model.Run, error) {
	version := req.SchemaVersion
	if version == "" {
		version = p.cfg.SchemaVersion
	}

	root := p.recorder.StartRoot(spanRoot)
	root.SetAttr("company_id", req.CompanyID)
	root.SetAttr("source_url", req.SourceURL)
	root.SetAttr("schema_version", version)
	if req.SessionID != "" {
		root.SetAttr("session_id", req.SessionID)
	}
	// Safety net for panics and missed paths. End is idempotent, so the
	// explicit closes below win on normal exits.
	defer root.EndError(errors.New("span left open"))

	run, err := p.store.CreateRun(ctx, req, root.TraceID())
	if err != nil {
		root.EndError(err)
		return nil, err
	}

	sch, err := p.schemas.Lookup(version)
	if err != nil {
		return p.fail(ctx, run, root, nil, &Error{
			Stage: model.RunStatusPrompting,
			Err:   err,
		})
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("company_id", req.CompanyID),
		zap.String("trace_id", root.TraceID()),
	)
	log.Info("extraction started", zap.String("schema_version", sch.Version()))

	// Fetching
	p.transition(ctx, run, model.RunStatusFetching)
	content, err := p.fetchContent(ctx, root, req.SourceURL)
	if err != nil {
		return p.fail(ctx, run, root, nil, &Error{Stage: model.RunStatusFetching, Err: err})
	}

	// Prompt / invoke / validate, with targeted repair re-prompts.
	// priorErrors steers the next repair prompt at the latest defects;
	// allErrors accumulates every violation seen across attempts so the
	// terminal failure shows which fields are systematically problematic.
	var (
		priorErrors []model.FieldError
		allErrors   []model.FieldError
		lastRaw     string
		usage       model.TokenUsage
	)
	maxAttempts := 1 + p.maxRepairAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pr, err := p.buildPrompt(ctx, run, root, req, content, sch, attempt, priorErrors)
		if err != nil {
			run.Usage = usage
			return p.fail(ctx, run, root, allErrors, &Error{Stage: model.RunStatusPrompting, Err: err})
		}

		candidate, err := p.invoke(ctx, run, root, pr, sch, attempt)
		if candidate != nil {
			usage.Add(candidate.Usage)
			lastRaw = candidate.RawOutput
		}
		run.Usage = usage
		if err != nil {
			return p.failRaw(ctx, run, root, allErrors, lastRaw, &Error{
				Stage:         model.RunStatusInvoking,
				LastRawOutput: lastRaw,
				Err:           err,
			})
		}

		result := p.validateCandidate(ctx, run, root, candidate, sch)
		if result.Status == model.ValidationValid ||
			(result.Status == model.ValidationPartiallyValid && p.cfg.AcceptPartial) {
			return p.succeed(ctx, run, root, result, req, sch.Version(), log)
		}

		priorErrors = result.Errors
		allErrors = mergeFieldErrors(allErrors, result.Errors)
		if attempt == maxAttempts {
			break
		}

		// Repairing
		p.transition(ctx, run, model.RunStatusRepairing)
		rsp := p.recorder.StartChild(root, spanRepairing)
		rsp.SetAttr("attempt", attempt)
		rsp.SetAttr("field_errors", len(priorErrors))
		rsp.End(model.SpanStatusOK)
		log.Info("repair attempt scheduled",
			zap.Int("attempt", attempt),
			zap.Int("field_errors", len(priorErrors)),
		)
	}

	return p.failRaw(ctx, run, root, allErrors, lastRaw, &Error{
		Stage:         model.RunStatusValidating,
		FieldErrors:   allErrors,
		LastRawOutput: lastRaw,
		Err:           errors.New("record invalid after repair budget exhausted"),
	})
}

func (p *Pipeline) fetchContent(ctx context.Context, root *trace.Span, sourceURL string) (*model.RawContent, error) {
	sp := p.recorder.StartChild(root, spanFetching)
	sp.SetAttr("url", sourceURL)
	defer sp.End(model.SpanStatusCancelled)

	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout())
	defer cancel()

	content, err := p.fetcher.Fetch(fctx, sourceURL)
	if err != nil {
		if fe, ok := fetch.AsError(err); ok {
			sp.SetAttr("kind", string(fe.Kind))
		}
		p.endSpan(ctx, sp, err)
		return nil, err
	}
	sp.SetAttr("chars", len(content.Text))
	sp.SetAttr("reader_tokens", content.Tokens)
	sp.End(model.SpanStatusOK)
	return content, nil
}

func (p *Pipeline) buildPrompt(ctx context.Context, run *model.Run, root *trace.Span, req model.ExtractionRequest, content *model.RawContent, sch *schema.Schema, attempt int, priorErrors []model.FieldError) (*prompt.Prompt, error) {
	if attempt == 1 {
		p.transition(ctx, run, model.RunStatusPrompting)
	}
	sp := p.recorder.StartChild(root, spanPrompting)
	sp.SetAttr("attempt", attempt)
	if len(priorErrors) > 0 {
		sp.SetAttr("repair", true)
	}
	defer sp.End(model.SpanStatusCancelled)

	pr, err := prompt.Build(req, content, sch, priorErrors)
	if err != nil {
		p.endSpan(ctx, sp, err)
		return nil, err
	}
	sp.SetAttr("user_chars", len(pr.User))
	sp.End(model.SpanStatusOK)
	return pr, nil
}

// recordTool is the forced tool through which the model returns structured
// output; its input schema is derived from the extraction schema.
const recordTool = "record_company_profile"

func (p *Pipeline) invoke(ctx context.Context, run *model.Run, root *trace.Span, pr *prompt.Prompt, sch *schema.Schema, attempt int) (*model.ModelCandidate, error) {
	p.transition(ctx, run, model.RunStatusInvoking)
	sp := p.recorder.StartChild(root, spanInvoking)
	sp.SetAttr("model", p.llmCfg.Model)
	sp.SetAttr("attempt", attempt)
	defer sp.End(model.SpanStatusCancelled)

	calls := 0
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    1 + p.cfg.MaxOuterRetries,
		InitialBackoff: time.Duration(p.cfg.BackoffInitialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(p.cfg.BackoffMaxSecs) * time.Second,
		Multiplier:     p.cfg.BackoffMultiplier,
		JitterFraction: p.cfg.BackoffJitter,
		OnRetry:        resilience.RetryLogger("anthropic", "complete"),
	}

	properties, required := sch.ToolInputSchema()
	temp := p.llmCfg.Temperature
	completion, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.Completion, error) {
		calls++
		mctx, cancel := context.WithTimeout(ctx, p.modelTimeout())
		defer cancel()
		return p.llm.Complete(mctx, anthropic.CompletionRequest{
			Model:       p.llmCfg.Model,
			MaxTokens:   int64(p.llmCfg.MaxTokens),
			System:      pr.System,
			Prompt:      pr.User,
			Temperature: &temp,
			Tool: &anthropic.ToolSpec{
				Name:        recordTool,
				Description: "Record the extracted company profile fields.",
				Properties:  properties,
				Required:    required,
			},
		})
	})
	sp.SetAttr("calls", calls)
	if err != nil {
		if me, ok := anthropic.AsModelError(err); ok {
			sp.SetAttr("kind", string(me.Kind))
		}
		p.endSpan(ctx, sp, err)
		return nil, err
	}

	sp.SetAttr("input_tokens", completion.Usage.InputTokens)
	sp.SetAttr("output_tokens", completion.Usage.OutputTokens)
	sp.SetAttr("stop_reason", completion.StopReason)
	sp.End(model.SpanStatusOK)

	return &model.ModelCandidate{
		RawOutput: completion.Text,
		Usage: model.TokenUsage{
			PromptTokens:     int(completion.Usage.InputTokens),
			CompletionTokens: int(completion.Usage.OutputTokens),
		},
		Model:   completion.Model,
		Attempt: attempt,
	}, nil
}

func (p *Pipeline) validateCandidate(ctx context.Context, run *model.Run, root *trace.Span, candidate *model.ModelCandidate, sch *schema.Schema) model.ValidationResult {
	p.transition(ctx, run, model.RunStatusValidating)
	sp := p.recorder.StartChild(root, spanValidating)
	sp.SetAttr("attempt", candidate.Attempt)

	result := validate.Validate(candidate, sch)
	sp.SetAttr("status", string(result.Status))
	if len(result.Errors) > 0 {
		sp.SetAttr("field_errors", len(result.Errors))
		sp.End(model.SpanStatusError)
	} else {
		sp.End(model.SpanStatusOK)
	}
	return result
}

func (p *Pipeline) succeed(ctx context.Context, run *model.Run, root *trace.Span, result model.ValidationResult, req model.ExtractionRequest, version string, log *zap.Logger) (*model.Run, error) {
	record := result.Record
	record.CompanyID = req.CompanyID
	record.SourceURL = req.SourceURL
	record.SchemaVersion = version

	run.Status = model.RunStatusSucceeded
	run.Record = record
	p.complete(ctx, run)
	root.SetAttr("status", string(result.Status))
	root.End(model.SpanStatusOK)

	log.Info("extraction succeeded",
		zap.String("validation", string(result.Status)),
		zap.Int("total_tokens", run.Usage.Total()),
	)
	return run, nil
}

func (p *Pipeline) fail(ctx context.Context, run *model.Run, root *trace.Span, fieldErrors []model.FieldError, perr *Error) (*model.Run, error) {
	return p.failRaw(ctx, run, root, fieldErrors, perr.LastRawOutput, perr)
}

func (p *Pipeline) failRaw(ctx context.Context, run *model.Run, root *trace.Span, fieldErrors []model.FieldError, lastRaw string, perr *Error) (*model.Run, error) {
	status := model.RunStatusFailed
	if cancelled(ctx, perr.Err) {
		status = model.RunStatusCancelled
	}
	if perr.FieldErrors == nil {
		perr.FieldErrors = fieldErrors
	}

	run.Status = status
	run.Failure = &model.RunFailure{
		Stage:         string(perr.Stage),
		Message:       message(perr.Err),
		FieldErrors:   perr.FieldErrors,
		LastRawOutput: lastRaw,
	}
	p.complete(ctx, run)

	root.SetAttr("stage", string(perr.Stage))
	if status == model.RunStatusCancelled {
		root.End(model.SpanStatusCancelled)
	} else {
		root.EndError(perr.Err)
	}

	zap.L().Warn("extraction failed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(perr.Stage)),
		zap.String("status", string(status)),
		zap.Error(perr.Err),
	)
	return run, perr
}

// transition persists a status change. Persistence failures are logged and
// not allowed to interrupt the run.
func (p *Pipeline) transition(ctx context.Context, run *model.Run, status model.RunStatus) {
	run.Status = status
	if err := p.store.UpdateRunStatus(ctx, run.ID, status); err != nil && ctx.Err() == nil {
		zap.L().Warn("run status update failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// complete writes the terminal run state. Uses a detached context so a
// cancelled request still gets its terminal state persisted.
func (p *Pipeline) complete(ctx context.Context, run *model.Run) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.CompleteRun(wctx, run.ID, run.Status, run.Record, run.Failure, run.Usage); err != nil {
		zap.L().Warn("run completion write failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Error(err),
		)
	}
}

// endSpan closes a span as cancelled when the failure came from request
// cancellation, as an error otherwise.
func (p *Pipeline) endSpan(ctx context.Context, sp *trace.Span, err error) {
	if cancelled(ctx, err) {
		sp.End(model.SpanStatusCancelled)
		return
	}
	sp.EndError(err)
}

func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// mergeFieldErrors appends next onto acc, skipping violations already seen
// (same field and reason), preserving first-seen order.
func mergeFieldErrors(acc, next []model.FieldError) []model.FieldError {
	seen := make(map[model.FieldError]struct{}, len(acc))
	for _, fe := range acc {
		seen[fe] = struct{}{}
	}
	for _, fe := range next {
		if _, ok := seen[fe]; ok {
			continue
		}
		seen[fe] = struct{}{}
		acc = append(acc, fe)
	}
	return acc
}
