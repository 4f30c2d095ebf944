// Package trace records the span tree for each extraction request. Spans
// are explicit handles with a guaranteed-closure contract: every Start must
// be paired with an End on all exit paths, and End is idempotent so a
// deferred close after an explicit one is harmless.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/company-detail/internal/model"
)

// Recorder creates spans and delivers closed spans to a sink.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

// NewRecorder creates a Recorder writing to the given sink. A nil sink
// discards all spans.
func NewRecorder(sink Sink) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	return &Recorder{sink: sink, now: time.Now}
}

// Span is an open trace span. It is owned by a single goroutine.
type Span struct {
	rec      *Recorder
	traceID  string
	id       string
	parentID string
	name     string
	start    time.Time

	mu    sync.Mutex
	attrs map[string]any
	ended bool
}

// StartRoot begins a new trace with a root workflow span.
func (r *Recorder) StartRoot(name string) *Span {
	traceID := uuid.NewString()
	return &Span{
		rec:     r,
		traceID: traceID,
		id:      uuid.NewString(),
		name:    name,
		start:   r.now().UTC(),
	}
}

// StartChild begins a span nested under parent.
func (r *Recorder) StartChild(parent *Span, name string) *Span {
	return &Span{
		rec:      r,
		traceID:  parent.traceID,
		id:       uuid.NewString(),
		parentID: parent.id,
		name:     name,
		start:    r.now().UTC(),
	}
}

// ID returns the span's unique id.
func (s *Span) ID() string { return s.id }

// TraceID returns the id shared by every span in this request's tree.
func (s *Span) TraceID() string { return s.traceID }

// SetAttr records an attribute on the span. Later values win.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// End closes the span with the given status and hands it to the sink.
// Calling End more than once is a no-op, which lets callers pair a deferred
// cancellation close with an explicit success close.
func (s *Span) End(status model.SpanStatus) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	attrs := s.attrs
	s.mu.Unlock()

	s.rec.sink.Record(model.TraceSpan{
		ID:         s.id,
		TraceID:    s.traceID,
		ParentID:   s.parentID,
		Name:       s.name,
		Start:      s.start,
		End:        s.rec.now().UTC(),
		Status:     status,
		Attributes: attrs,
	})
}

// EndError closes the span with Error status after attaching the error
// message as an attribute.
func (s *Span) EndError(err error) {
	if err != nil {
		s.SetAttr("error", err.Error())
	}
	s.End(model.SpanStatusError)
}
