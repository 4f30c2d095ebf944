package model

// TokenUsage tracks token consumption across model calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates usage from another TokenUsage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns the combined prompt and completion token count.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ModelCandidate is the output of one model call attempt. Parsed stays nil
// until the validation engine successfully parses RawOutput.
type ModelCandidate struct {
	RawOutput string         `json:"raw_output"`
	Parsed    map[string]any `json:"parsed,omitempty"`
	Usage     TokenUsage     `json:"usage"`
	Model     string         `json:"model,omitempty"`
	Attempt   int            `json:"attempt"` // 1-based invocation attempt within the request
}
