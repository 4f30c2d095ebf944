package trace

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/company-detail/internal/model"
)

// Sink accepts closed spans. Implementations must swallow their own
// failures: observability is never load-bearing for pipeline correctness.
type Sink interface {
	Record(span model.TraceSpan)
}

// NopSink discards all spans.
type NopSink struct{}

func (NopSink) Record(model.TraceSpan) {}

// LogSink writes each closed span as a structured log line.
type LogSink struct{}

func (LogSink) Record(span model.TraceSpan) {
	zap.L().Info("span",
		zap.String("trace_id", span.TraceID),
		zap.String("span_id", span.ID),
		zap.String("parent_id", span.ParentID),
		zap.String("name", span.Name),
		zap.String("status", string(span.Status)),
		zap.Int64("duration_ms", span.Duration().Milliseconds()),
		zap.Any("attributes", span.Attributes),
	)
}

// SpanWriter is the subset of the store interface the StoreSink needs.
type SpanWriter interface {
	InsertSpan(ctx context.Context, span model.TraceSpan) error
}

// StoreSink persists spans through a SpanWriter. Write failures are logged
// and dropped; a broken store must not fail the pipeline.
type StoreSink struct {
	Writer  SpanWriter
	Timeout time.Duration
}

// NewStoreSink creates a StoreSink with a bounded per-write timeout.
func NewStoreSink(w SpanWriter) *StoreSink {
	return &StoreSink{Writer: w, Timeout: 5 * time.Second}
}

func (s *StoreSink) Record(span model.TraceSpan) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	if err := s.Writer.InsertSpan(ctx, span); err != nil {
		zap.L().Warn("trace: span write failed",
			zap.String("span_id", span.ID),
			zap.String("name", span.Name),
			zap.Error(err),
		)
	}
}

// MultiSink fans a span out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(span model.TraceSpan) {
	for _, s := range m {
		s.Record(span)
	}
}
