package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

type spanKey struct{}

// SpanRecord is one finished operation. Parent is zero for root spans.
type SpanRecord struct {
	ID        uint64        `json:"id"`
	Parent    uint64        `json:"parent,omitempty"`
	Operation string        `json:"operation"`
	Error     string        `json:"error,omitempty"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration_ns"`
}

// SpanLog is a Tracer that writes finished spans as JSON lines. Nesting is
// carried through the context so step_track spans point at their step.
type SpanLog struct {
	clock Clock

	mu      sync.Mutex
	next    uint64
	enc     *json.Encoder
	records []SpanRecord
}

// NewSpanLog returns a span log writing to w. A nil writer only retains the
// records; a nil clock uses wall time.
func NewSpanLog(w io.Writer, clock Clock) *SpanLog {
	if clock == nil {
		clock = ClockFunc(nil)
	}
	l := &SpanLog{clock: clock}
	if w != nil {
		l.enc = json.NewEncoder(w)
	}
	return l
}

// Start implements Tracer.
func (l *SpanLog) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	l.mu.Lock()
	l.next++
	id := l.next
	l.mu.Unlock()
	parent, _ := ctx.Value(spanKey{}).(uint64)
	span := &logSpan{log: l, record: SpanRecord{ID: id, Parent: parent, Operation: operation, Start: l.clock.Now()}}
	return context.WithValue(ctx, spanKey{}, id), span
}

// Records returns the finished spans in completion order.
func (l *SpanLog) Records() []SpanRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SpanRecord(nil), l.records...)
}

type logSpan struct {
	log    *SpanLog
	record SpanRecord
	once   sync.Once
}

func (s *logSpan) End(err error) {
	s.once.Do(func() {
		rec := s.record
		rec.Duration = s.log.clock.Now().Sub(rec.Start)
		if err != nil {
			rec.Error = err.Error()
		}
		s.log.mu.Lock()
		defer s.log.mu.Unlock()
		s.log.records = append(s.log.records, rec)
		if s.log.enc != nil {
			_ = s.log.enc.Encode(rec)
		}
	})
}
