package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrisk/internal/shared"
)

var (
	AttrTaskID     = attribute.Key("taskrisk.task.id")
	AttrRunID      = attribute.Key("taskrisk.run.id")
	AttrJobID      = attribute.Key("taskrisk.job.id")
	AttrAnalyzer   = attribute.Key("taskrisk.analyzer")
	AttrProvenance = attribute.Key("taskrisk.provenance")
	AttrFailure    = attribute.Key("taskrisk.failure")
	AttrRiskLevel  = attribute.Key("taskrisk.risk.level")
	AttrRiskScore  = attribute.Key("taskrisk.risk.score")
	AttrProvider   = attribute.Key("taskrisk.reasoning.provider")
	AttrModel      = attribute.Key("taskrisk.reasoning.model")
)

// correlationAttrs turns the ids on ctx into span attributes.
func correlationAttrs(ctx context.Context) []attribute.KeyValue {
	c := shared.CorrelationFrom(ctx)
	var out []attribute.KeyValue
	if c.TaskID != "" {
		out = append(out, AttrTaskID.String(c.TaskID))
	}
	if c.RunID != "" {
		out = append(out, AttrRunID.String(c.RunID))
	}
	if c.JobID != "" {
		out = append(out, AttrJobID.String(c.JobID))
	}
	return out
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(correlationAttrs(ctx)...),
		trace.WithAttributes(attrs...),
	)
}

// StartSpan starts an internal span tagged with the task, run and job ids
// found on ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartClientSpan is StartSpan for outbound reasoning calls.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

// StartServerSpan is StartSpan for the root of one assessment.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// MarkFailed sets an error status on span and records err when non-nil.
func MarkFailed(span trace.Span, reason string, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, reason)
}
