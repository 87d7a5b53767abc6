// Package events publishes agent and task state changes.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fentz26/cadre/internal/models"
)

// Publisher announces state changes. Implementations never fail the caller.
type Publisher interface {
	AgentStatus(ctx context.Context, agent *models.Agent)
	TaskStatus(ctx context.Context, task *models.Task)
}

// Sender delivers a payload on a subject.
type Sender interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// AgentEvent is the payload of agents.<id>.status.
type AgentEvent struct {
	AgentID    string             `json:"agent_id"`
	Status     models.AgentStatus `json:"status"`
	TokenUsed  int64              `json:"token_used"`
	TokenAlloc int64              `json:"token_allocation"`
	At         time.Time          `json:"at"`
}

// TaskEvent is the payload of tasks.<id>.status.
type TaskEvent struct {
	TaskID       string            `json:"task_id"`
	AssignedToID string            `json:"assigned_to_id,omitempty"`
	Status       models.TaskStatus `json:"status"`
	Kind         models.TaskKind   `json:"kind"`
	At           time.Time         `json:"at"`
}

// Bus encodes events as JSON and hands them to a Sender.
type Bus struct {
	sender Sender
	prefix string
	logger *slog.Logger
}

// NewBus creates a Bus. Subjects are prefixed with prefix when it is set.
func NewBus(sender Sender, prefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sender: sender, prefix: prefix, logger: logger}
}

// AgentSubject returns the subject for an agent's status events.
func (b *Bus) AgentSubject(agentID string) string {
	return b.subject("agents." + agentID + ".status")
}

// TaskSubject returns the subject for a task's status events.
func (b *Bus) TaskSubject(taskID string) string {
	return b.subject("tasks." + taskID + ".status")
}

func (b *Bus) subject(s string) string {
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

// AgentStatus publishes the agent's current status.
func (b *Bus) AgentStatus(ctx context.Context, agent *models.Agent) {
	b.publish(ctx, b.AgentSubject(agent.ID), AgentEvent{
		AgentID:    agent.ID,
		Status:     agent.Status,
		TokenUsed:  agent.TokenUsed,
		TokenAlloc: agent.TokenAllocation,
		At:         time.Now().UTC(),
	})
}

// TaskStatus publishes the task's current status.
func (b *Bus) TaskStatus(ctx context.Context, task *models.Task) {
	b.publish(ctx, b.TaskSubject(task.ID), TaskEvent{
		TaskID:       task.ID,
		AssignedToID: task.AssignedToID,
		Status:       task.Status,
		Kind:         task.Kind,
		At:           time.Now().UTC(),
	})
}

func (b *Bus) publish(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("event encode failed", "subject", subject, "error", err)
		return
	}
	if err := b.sender.Publish(ctx, subject, data); err != nil {
		b.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// Noop discards all events.
type Noop struct{}

func (Noop) AgentStatus(context.Context, *models.Agent) {}

func (Noop) TaskStatus(context.Context, *models.Task) {}
