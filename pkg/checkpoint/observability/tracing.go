// Package observability provides structured logging helpers, metrics,
// and tracing for checkpoint saver backends.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the checkpoint tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("flowgraph-checkpoint")

// StartOpSpan starts a span for a single saver operation.
//
// The span uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func StartOpSpan(ctx context.Context, backend, op, threadID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "checkpoint."+op,
		trace.WithAttributes(
			attribute.String("checkpoint.backend", backend),
			attribute.String("checkpoint.thread_id", threadID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
