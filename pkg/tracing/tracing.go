package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a child span. Before Setup it returns the span already on ctx.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

func activeSpan(ctx context.Context) (trace.Span, bool) {
	if tracer == nil {
		return nil, false
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil, false
	}
	return span, true
}

// Carrier returns the W3C trace context of ctx, empty when no span is recording.
// Queue jobs and kafka messages carry it so a plan keeps one trace across hops.
func Carrier(ctx context.Context) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}
	if _, ok := activeSpan(ctx); ok {
		propagation.TraceContext{}.Inject(ctx, carrier)
	}
	return carrier
}

func GetTraceParent(ctx context.Context) string {
	return Carrier(ctx).Get("traceparent")
}

func GetTraceState(ctx context.Context) string {
	return Carrier(ctx).Get("tracestate")
}

func GetTraceID(ctx context.Context) string {
	span, ok := activeSpan(ctx)
	if !ok {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// ContextWithTraceParent continues a trace received out of band, e.g. from a kafka header
func ContextWithTraceParent(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier["tracestate"] = tracestate
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}
