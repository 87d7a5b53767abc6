package telemetry

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	ctx := context.Background()
	m.TaskProcessed(ctx, "a1", true, 0.25)
	m.TaskDelegated(ctx, "a1")
	m.Escalated(ctx, "a1", "stuck")
	m.Tokens(ctx, "a1", 42)
	m.BudgetWarning(ctx, "a1", "warn90")
	m.LoopStarted(ctx)
	m.LoopStopped(ctx)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskProcessed(ctx, "a1", false, 1)
	m.TaskDelegated(ctx, "a1")
	m.Escalated(ctx, "a1", "bored")
	m.Tokens(ctx, "a1", 1)
	m.BudgetWarning(ctx, "a1", "warn95")
	m.LoopStarted(ctx)
	m.LoopStopped(ctx)
}

func TestSpansWithoutSDK(t *testing.T) {
	ctx, span := StartCycleSpan(context.Background(), "a1", "corr")
	_, child := StartTaskSpan(ctx, "a1", "t1")
	_, call := StartCompletionSpan(ctx, "mock", "a1")
	call.End()
	child.End()
	span.End()
}
