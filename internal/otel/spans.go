package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for fabric spans.
var (
	AttrTenantID      = attribute.Key("fabric.tenant.id")
	AttrTaskID        = attribute.Key("fabric.task.id")
	AttrTaskKind      = attribute.Key("fabric.task.kind")
	AttrWorkerID      = attribute.Key("fabric.worker.id")
	AttrRunID         = attribute.Key("fabric.run.id")
	AttrAction        = attribute.Key("fabric.policy.action")
	AttrVerdict       = attribute.Key("fabric.policy.verdict")
	AttrRiskLevel     = attribute.Key("fabric.policy.risk")
	AttrPolicyVersion = attribute.Key("fabric.policy.version")
	AttrRepo          = attribute.Key("fabric.memory.repo")
	AttrRecordID      = attribute.Key("fabric.memory.record.id")
	AttrOutcome       = attribute.Key("fabric.outcome")
	AttrReloadKind    = attribute.Key("fabric.reload.kind")
)

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound call into the service facade.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
