package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps completed spans in memory for tests and for the
// device's debug endpoint.
type SpanRecorder struct {
	mu    sync.Mutex
	limit int
	spans []sdktrace.ReadOnlySpan
}

// NewSpanRecorder keeps at most limit spans; zero keeps everything.
func NewSpanRecorder(limit int) *SpanRecorder {
	return &SpanRecorder{limit: limit}
}

// NewTestProvider returns a provider whose spans land in the recorder.
func NewTestProvider() (*sdktrace.TracerProvider, *SpanRecorder) {
	rec := NewSpanRecorder(0)
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), rec
}

func (r *SpanRecorder) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
	if r.limit > 0 && len(r.spans) > r.limit {
		r.spans = r.spans[len(r.spans)-r.limit:]
	}
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

func (r *SpanRecorder) Completed() []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sdktrace.ReadOnlySpan, len(r.spans))
	copy(out, r.spans)
	return out
}

// EventCount counts events called name across every span named span.
func (r *SpanRecorder) EventCount(span, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.spans {
		if s.Name() != span {
			continue
		}
		for _, e := range s.Events() {
			if e.Name == name {
				n++
			}
		}
	}
	return n
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
