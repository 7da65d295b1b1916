package sockrpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/anhtranbk/sockrpc"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startCallSpan(ctx context.Context, tracer trace.Tracer, event string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sockrpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.event", event)),
	)
}

func endCallSpan(span trace.Span, c *Call) {
	if span == nil {
		return
	}
	outcome := OutcomeOf(c.err)
	span.SetAttributes(
		attribute.String("rpc.id", c.ID),
		attribute.String("rpc.outcome", outcome.String()),
	)
	if c.err != nil {
		span.RecordError(c.err)
		span.SetStatus(codes.Error, c.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
