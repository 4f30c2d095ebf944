// Package pipeline orchestrates the extraction state machine: fetch page
// content, build a prompt, invoke the model, validate the candidate, and
// repair with targeted re-prompts until the record passes or the budget
// runs out.
package pipeline

import (
	"fmt"
	"time"

	"github.com/sells-group/company-detail/internal/config"
	"github.com/sells-group/company-detail/internal/fetch"
	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/schema"
	"github.com/sells-group/company-detail/internal/store"
	"github.com/sells-group/company-detail/internal/trace"
	"github.com/sells-group/company-detail/pkg/anthropic"
)

// Pipeline runs extraction requests end to end.
type Pipeline struct {
	cfg      config.PipelineConfig
	llmCfg   config.AnthropicConfig
	store    store.Store
	fetcher  fetch.Fetcher
	llm      anthropic.Client
	schemas  *schema.Registry
	recorder *trace.Recorder
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	fetcher fetch.Fetcher,
	llm anthropic.Client,
	schemas *schema.Registry,
	recorder *trace.Recorder,
) *Pipeline {
	if recorder == nil {
		recorder = trace.NewRecorder(nil)
	}
	return &Pipeline{
		cfg:      cfg.Pipeline,
		llmCfg:   cfg.Anthropic,
		store:    st,
		fetcher:  fetcher,
		llm:      llm,
		schemas:  schemas,
		recorder: recorder,
	}
}

// Error is the terminal failure of an extraction run. Stage names the state
// the run failed in; FieldErrors and LastRawOutput carry validation detail
// when the failure came from the validate/repair loop.
type Error struct {
	Stage         model.RunStatus
	FieldErrors   []model.FieldError
	LastRawOutput string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s stage failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("pipeline: %s stage failed", e.Stage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (p *Pipeline) fetchTimeout() time.Duration {
	if p.cfg.FetchTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.cfg.FetchTimeoutSecs) * time.Second
}

func (p *Pipeline) modelTimeout() time.Duration {
	if p.cfg.ModelTimeoutSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.cfg.ModelTimeoutSecs) * time.Second
}

func (p *Pipeline) maxRepairAttempts() int {
	if p.cfg.MaxRepairAttempts < 0 {
		return 0
	}
	return p.cfg.MaxRepairAttempts
}
