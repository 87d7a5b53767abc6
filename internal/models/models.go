// Package models defines the core domain types for Cadre.
package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentStatusActive AgentStatus = "active"
	AgentStatusBored  AgentStatus = "bored"
	AgentStatusStuck  AgentStatus = "stuck"
	AgentStatusPaused AgentStatus = "paused"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusBored, AgentStatusStuck, AgentStatusPaused:
		return true
	}
	return false
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further processing will happen for the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Priority orders pending work. Higher Rank runs first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the scheduling weight of p. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TaskKind records why a task exists.
type TaskKind string

const (
	TaskKindWork       TaskKind = "work"
	TaskKindDelegation TaskKind = "delegation"
	TaskKindEscalation TaskKind = "escalation"
	TaskKindReport     TaskKind = "report"
)

// Agent is a durable actor record processed by one execution loop.
type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Role            string      `json:"role"`
	Status          AgentStatus `json:"status"`
	SeniorID        string      `json:"senior_id,omitempty"`
	TeamID          string      `json:"team_id,omitempty"`
	TokenAllocation int64       `json:"token_allocation"`
	TokenUsed       int64       `json:"token_used"`
	LastActiveAt    time.Time   `json:"last_active_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasSenior reports whether the agent reports to anyone.
func (a *Agent) HasSenior() bool {
	return a.SeniorID != ""
}

// Paused reports whether an operator has paused the agent.
func (a *Agent) Paused() bool {
	return a.Status == AgentStatusPaused
}

// Task represents a unit of work routed to exactly one agent at a time.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	AssignedToID    string     `json:"assigned_to_id,omitempty"`
	CreatedByID     string     `json:"created_by_id,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	Kind            TaskKind   `json:"kind"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	DelegationDepth int        `json:"delegation_depth"`
	Result          *string    `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TaskDraft holds the caller-supplied fields of a new task.
type TaskDraft struct {
	Title           string
	Description     string
	AssignedToID    string
	CreatedByID     string
	Priority        Priority
	Kind            TaskKind
	ParentTaskID    string
	DelegationDepth int
}

// TaskPatch lists the task fields to change. Nil fields are left untouched.
type TaskPatch struct {
	Status       *TaskStatus
	AssignedToID *string
	Result       *string
	Priority     *Priority
}

// TaskFilter narrows FindTasks. Empty fields match everything.
type TaskFilter struct {
	AssignedToID string
	CreatedByID  string
	Statuses     []TaskStatus
	ParentTaskID string
	Kind         TaskKind
	Title        string
}

// AgentDraft holds the caller-supplied fields of a new agent.
type AgentDraft struct {
	Name            string
	Role            string
	SeniorID        string
	TeamID          string
	TokenAllocation int64
}

// AgentPatch lists the agent fields to change. Nil fields are left untouched.
type AgentPatch struct {
	Status          *AgentStatus
	LastActiveAt    *time.Time
	TokenAllocation *int64
	TokenUsed       *int64
	SeniorID        *string // empty string detaches the agent from its senior

	// KeepPaused leaves Status untouched when the stored agent is paused.
	// Engine-driven transitions set it; operator pause/resume do not.
	KeepPaused bool
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	AgentID    string    `json:"agent_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusPtr and the helpers below keep patch construction on one line.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

func AgentStatusPtr(s AgentStatus) *AgentStatus { return &s }

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

func Int64Ptr(n int64) *int64 { return &n }
