package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartStateSpan starts a span covering one attack state's execution.
func StartStateSpan(ctx context.Context, tracer trace.Tracer, state string, isRace bool) (context.Context, trace.Span) {
	kind := "request"
	if isRace {
		kind = "race"
	}
	ctx, span := tracer.Start(ctx, "state "+state,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("gatecrash.state", state),
		attribute.String("gatecrash.state_kind", kind),
	)
	return ctx, span
}

// StartAttackSpan starts a span covering one race attack execution.
func StartAttackSpan(ctx context.Context, tracer trace.Tracer, threads int, strategy string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "race attack",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.Int("race.threads", threads),
		attribute.String("race.connection_strategy", strategy),
	)
	return ctx, span
}

// StartWorkerSpan starts a span covering one race worker's send.
func StartWorkerSpan(ctx context.Context, tracer trace.Tracer, thread int, group string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "race worker",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.Int("race.thread", thread),
		attribute.String("race.group", group),
	)
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
