package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "webpilot"

// StartRunSpan starts a span for an agent run.
func StartRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
		),
	)
}

// StartStepSpan starts a span for a plan step within a run.
func StartStepSpan(ctx context.Context, stepID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.tool", tool),
		),
	)
}

// StartPlanSpan starts a span for a planning call.
func StartPlanSpan(ctx context.Context, runID string, replan bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Bool("plan.replan", replan),
		),
	)
}
