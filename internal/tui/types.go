package tui

import "time"

// AgentItem is an agent as shown on the dashboard.
type AgentItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	Status          string    `json:"status"`
	SeniorID        string    `json:"senior_id"`
	TokenAllocation int64     `json:"token_allocation"`
	TokenUsed       int64     `json:"token_used"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// TaskItem is a summary of a task for the list view.
type TaskItem struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	AssignedToID    string     `json:"assigned_to_id"`
	CreatedByID     string     `json:"created_by_id"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	Kind            string     `json:"kind"`
	ParentTaskID    string     `json:"parent_task_id"`
	DelegationDepth int        `json:"delegation_depth"`
	Result          *string    `json:"result"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// WorkerItem is the state of one agent's execution loop.
type WorkerItem struct {
	AgentID        string    `json:"agent_id"`
	Running        bool      `json:"running"`
	Phase          string    `json:"phase"`
	CurrentTaskID  string    `json:"current_task_id"`
	TasksProcessed int       `json:"tasks_processed"`
	LastPollAt     time.Time `json:"last_poll_at"`
	LastError      string    `json:"last_error"`
}
