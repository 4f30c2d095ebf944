// Package store persists extraction runs and their trace spans.
package store

import (
	"context"

	"github.com/sells-group/company-detail/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	CompanyID string          `json:"company_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, req model.ExtractionRequest, traceID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, record *model.CompanyRecord, failure *model.RunFailure, usage model.TokenUsage) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Trace spans
	InsertSpan(ctx context.Context, span model.TraceSpan) error
	ListSpans(ctx context.Context, traceID string) ([]model.TraceSpan, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
