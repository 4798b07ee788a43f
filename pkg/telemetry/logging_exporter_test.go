package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggingExporterEmitsSpan(t *testing.T) {
	var buf bytes.Buffer
	exporter := newLoggingExporter(zerolog.New(&buf))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "ids.tick")
	span.SetAttributes(attribute.String("app.state", "RUNNING"))
	span.AddEvent("threat")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	out := buf.String()
	require.Contains(t, out, `"span_name":"ids.tick"`)
	require.Contains(t, out, `"app.state":"RUNNING"`)
	require.Contains(t, out, `"span_events":["threat"]`)
	require.Contains(t, out, `"component":"otel"`)
}

func TestSpanRecorderLimit(t *testing.T) {
	rec := NewSpanRecorder(2)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := provider.Tracer("test")
	for _, name := range []string{"a", "b", "c"} {
		_, span := tracer.Start(context.Background(), name)
		span.AddEvent("threat")
		span.End()
	}
	spans := rec.Completed()
	require.Len(t, spans, 2)
	require.Equal(t, "b", spans[0].Name())
	require.Equal(t, 1, rec.EventCount("c", "threat"))
	require.Zero(t, rec.EventCount("a", "threat"))
}
