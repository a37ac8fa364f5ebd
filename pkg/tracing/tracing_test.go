package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

func TestStartSpan_WithoutTracerIsNoop(t *testing.T) {
	SetTracer(nil)
	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, Carrier(ctx))
}

func TestTraceParent_RoundTrip(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporters.Discard{}))
	defer provider.Shutdown(context.Background())
	SetTracer(provider.Tracer("test"))
	defer SetTracer(nil)

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)
	traceparent := GetTraceParent(ctx)
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, traceID)

	remote := ContextWithTraceParent(context.Background(), traceparent, "")
	child, childSpan := StartSpan(remote, "consume")
	defer childSpan.End()
	assert.Equal(t, traceID, GetTraceID(child))
}

func TestContextWithTraceParent_EmptyLeavesContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithTraceParent(ctx, "", "state"))
}

func TestParseHeaders(t *testing.T) {
	headers := exporters.ParseHeaders("api-key=abc, x-team = ops ,broken,=skip")
	assert.Equal(t, map[string]string{"api-key": "abc", "x-team ": " ops"}, headers)
}
