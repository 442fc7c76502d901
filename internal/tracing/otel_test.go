package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOpenTelemetry_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitOpenTelemetry(t.Context(), Config{ServiceName: "agentcore-test"}, sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	// a second init keeps the first provider
	require.NoError(t, InitOpenTelemetry(t.Context(), Config{ServiceName: "other"}))

	ctx, span := StartSpan(t.Context(), "agentcore.test", "unit", attribute.String("k", "v"))
	traceID := GetTraceID(ctx)
	assert.Len(t, traceID, 32)

	h := http.Header{}
	InjectHeaders(ctx, h)
	assert.Contains(t, h.Get("Traceparent"), traceID)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "unit", spans[0].Name)
	assert.Equal(t, traceID, spans[0].SpanContext.TraceID().String())
}

func TestStartSpan_KeepsCallerTraceID(t *testing.T) {
	ctx := WithTraceID(t.Context(), "caller-trace")
	ctx, span := StartSpan(ctx, "agentcore.test", "keep")
	defer span.End()
	assert.Equal(t, "caller-trace", GetTraceID(ctx))
}

func TestShutdownOpenTelemetry_NoProvider(t *testing.T) {
	assert.NoError(t, ShutdownOpenTelemetry(t.Context()))
}
