package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by plaintask spans and metrics.
var (
	AttrTaskID  = attribute.Key("plaintask.task.id")
	AttrPath    = attribute.Key("plaintask.path")
	AttrOp      = attribute.Key("plaintask.op")
	AttrVerdict = attribute.Key("plaintask.reconcile.verdict")
	AttrOrigin  = attribute.Key("plaintask.origin")
	AttrOutcome = attribute.Key("plaintask.outcome")
	AttrCount   = attribute.Key("plaintask.count")
	AttrRoot    = attribute.Key("plaintask.root")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Noop().Tracer
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
