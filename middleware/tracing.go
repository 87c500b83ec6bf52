package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LLM-Dev-Ops/fleet/job"
)

// tracerName is the instrumentation scope name for fleet tracing.
const tracerName = "github.com/LLM-Dev-Ops/fleet"

// Tracing returns middleware that wraps task execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: fleet.task.id, fleet.job.id, fleet.job.type,
// fleet.task.attempt. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "fleet.task.execute",
			trace.WithAttributes(
				attribute.String("fleet.task.id", t.ID.String()),
				attribute.String("fleet.job.id", t.JobID.String()),
				attribute.String("fleet.job.type", t.JobType),
				attribute.Int("fleet.task.attempt", t.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
