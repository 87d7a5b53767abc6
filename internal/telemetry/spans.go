package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "cadre"

// StartCycleSpan starts a span for one execution loop cycle.
func StartCycleSpan(ctx context.Context, agentID, correlationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "cycle",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("correlation.id", correlationID),
		),
	)
}

// StartTaskSpan starts a span for processing a single task.
func StartTaskSpan(ctx context.Context, agentID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("task.id", taskID),
		),
	)
}

// StartCompletionSpan starts a span around a completion service call.
func StartCompletionSpan(ctx context.Context, connector, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "completion",
		trace.WithAttributes(
			attribute.String("completion.connector", connector),
			attribute.String("agent.id", agentID),
		),
	)
}
