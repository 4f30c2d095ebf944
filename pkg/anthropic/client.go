// Package anthropic wraps the official SDK behind the narrow completion
// interface the extraction pipeline needs, normalizing errors and usage.
package anthropic

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the model invocation operations used by the pipeline.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompletionRequest is our own request type for Complete.
type CompletionRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	Prompt      string
	Temperature *float64

	// Tool, when set, forces the model to answer through a single tool
	// call whose input must conform to the declared JSON schema. The tool
	// input becomes Completion.Text, so output is structured at the
	// provider rather than scraped out of prose.
	Tool *ToolSpec
}

// ToolSpec declares the forced structured-output tool for one request.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Completion is our own response type from Complete.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Option configures the client.
type Option func(*sdkClient)

// WithBaseURL points the SDK at a custom endpoint (for testing).
func WithBaseURL(url string) Option {
	return func(c *sdkClient) {
		c.requestOpts = append(c.requestOpts, option.WithBaseURL(url))
	}
}

// WithRequestsPerMinute enables a client-side rate limiter so concurrent
// pipelines share one request budget.
func WithRequestsPerMinute(n int) Option {
	return func(c *sdkClient) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Every(minuteInterval(n)), 1)
		}
	}
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client      sdk.Client
	requestOpts []option.RequestOption
	limiter     *rate.Limiter
}

// NewClient creates a new Anthropic client backed by the SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		requestOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = sdk.NewClient(c.requestOpts...)
	return c
}

func (c *sdkClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "anthropic: rate limiter wait")
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.Tool != nil {
		tool := sdk.ToolParam{
			Name: req.Tool.Name,
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: req.Tool.Properties,
				Required:   req.Tool.Required,
			},
		}
		if req.Tool.Description != "" {
			tool.Description = sdk.String(req.Tool.Description)
		}
		params.Tools = []sdk.ToolUnionParam{{OfTool: &tool}}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(req.Tool.Name)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	return fromSDKMessage(msg), nil
}

func fromSDKMessage(msg *sdk.Message) *Completion {
	var text, toolInput string
	for _, b := range msg.Content {
		switch b.Type {
		case "tool_use":
			toolInput = string(b.Input)
		case "text":
			text += b.Text
		}
	}
	// A forced tool call carries the structured output as its input.
	if toolInput != "" {
		text = toolInput
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text,
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
}
