// Package telemetry instruments the agent execution engine with OpenTelemetry.
// Instruments are taken from the global providers; without an installed SDK
// they are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "cadre"

// Metrics holds all engine metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TasksProcessed metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksDelegated metric.Int64Counter
	Escalations    metric.Int64Counter
	TokensUsed     metric.Int64Counter
	BudgetWarnings metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	LoopsRunning   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksProcessed, err = meter.Int64Counter("cadre.tasks.processed",
		metric.WithDescription("Number of tasks that reached a terminal write"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("cadre.tasks.failed",
		metric.WithDescription("Number of tasks that failed"))
	if err != nil {
		return nil, err
	}

	m.TasksDelegated, err = meter.Int64Counter("cadre.tasks.delegated",
		metric.WithDescription("Number of tasks handed to a subordinate"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("cadre.escalations",
		metric.WithDescription("Number of escalation tasks created"))
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("cadre.tokens.used",
		metric.WithDescription("Completion tokens charged to agent budgets"))
	if err != nil {
		return nil, err
	}

	m.BudgetWarnings, err = meter.Int64Counter("cadre.budget.warnings",
		metric.WithDescription("Budget checks at or above a warning threshold"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("cadre.task.duration_seconds",
		metric.WithDescription("Task processing duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.LoopsRunning, err = meter.Int64UpDownCounter("cadre.loops.running",
		metric.WithDescription("Agent execution loops currently running"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func agentAttr(agentID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("agent.id", agentID))
}

// TaskProcessed records a terminal task write and its duration.
func (m *Metrics) TaskProcessed(ctx context.Context, agentID string, failed bool, seconds float64) {
	if m == nil {
		return
	}
	m.TasksProcessed.Add(ctx, 1, agentAttr(agentID))
	if failed {
		m.TasksFailed.Add(ctx, 1, agentAttr(agentID))
	}
	m.TaskDuration.Record(ctx, seconds, agentAttr(agentID))
}

// TaskDelegated records a delegation.
func (m *Metrics) TaskDelegated(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.TasksDelegated.Add(ctx, 1, agentAttr(agentID))
}

// Escalated records an escalation task of the given reason.
func (m *Metrics) Escalated(ctx context.Context, agentID, reason string) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("escalation.reason", reason),
	))
}

// Tokens records completion tokens charged to an agent.
func (m *Metrics) Tokens(ctx context.Context, agentID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensUsed.Add(ctx, n, agentAttr(agentID))
}

// BudgetWarning records a budget check at a warning level.
func (m *Metrics) BudgetWarning(ctx context.Context, agentID, level string) {
	if m == nil {
		return
	}
	m.BudgetWarnings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("budget.level", level),
	))
}

// LoopStarted and LoopStopped track running loops.
func (m *Metrics) LoopStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoopsRunning.Add(ctx, 1)
}

func (m *Metrics) LoopStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoopsRunning.Add(ctx, -1)
}
