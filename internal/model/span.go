package model

import "time"

// SpanStatus is the terminal status of a trace span.
type SpanStatus string

const (
	SpanStatusOK        SpanStatus = "ok"
	SpanStatusError     SpanStatus = "error"
	SpanStatusCancelled SpanStatus = "cancelled"
)

// TraceSpan is a timed, attributed record of one stage of work. Spans form a
// tree rooted at one workflow span per ExtractionRequest.
type TraceSpan struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Status     SpanStatus     `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Duration returns the elapsed span time.
func (s TraceSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}
