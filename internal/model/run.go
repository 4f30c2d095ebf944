package model

import "time"

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusFetching   RunStatus = "fetching"
	RunStatusPrompting  RunStatus = "prompting"
	RunStatusInvoking   RunStatus = "invoking"
	RunStatusValidating RunStatus = "validating"
	RunStatusRepairing  RunStatus = "repairing"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal pipeline state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is the persisted record of one extraction pipeline execution.
type Run struct {
	ID        string             `json:"id"`
	TraceID   string             `json:"trace_id,omitempty"`
	Request   ExtractionRequest  `json:"request"`
	Status    RunStatus          `json:"status"`
	Record    *CompanyRecord     `json:"record,omitempty"`
	Failure   *RunFailure        `json:"failure,omitempty"`
	Usage     TokenUsage         `json:"usage"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// RunFailure holds the structured detail of a failed run: terminal stage,
// adapter error kind, accumulated field errors, and the last raw model
// output for diagnosis.
type RunFailure struct {
	Stage         string       `json:"stage"`
	Message       string       `json:"message"`
	FieldErrors   []FieldError `json:"field_errors,omitempty"`
	LastRawOutput string       `json:"last_raw_output,omitempty"`
}
