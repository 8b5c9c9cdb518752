package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceparentKey = "traceparent"
	TracestateKey  = "tracestate"
)

func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[TraceparentKey], carrier[TracestateKey]
}

// Capture returns the active trace context of ctx as a flat string map, or
// nil when ctx carries no span.
func Capture(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return map[string]string(carrier)
}

// Restore is the inverse of Capture.
func Restore(ctx context.Context, tc map[string]string) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}

// StartConsumeSpan starts a consumer span whose parent is the remote context
// found in carrier. Without a remote context the span is a fresh root, even if
// ctx already carries a span (for example the consumer loop's own).
func StartConsumeSpan(ctx context.Context, carrier propagation.TextMapCarrier, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	remote := otel.GetTextMapPropagator().Extract(ctx, carrier)
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	}
	if !trace.SpanContextFromContext(remote).IsRemote() {
		opts = append(opts, trace.WithNewRoot())
	}
	return otel.Tracer("devicecloud/messaging").Start(remote, name, opts...)
}
