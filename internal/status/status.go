// Package status owns the agent status state machine and escalation to seniors.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/telemetry"
)

// ErrHierarchyCycle is returned when the senior chain loops or is deeper
// than the configured bound.
var ErrHierarchyCycle = errors.New("senior hierarchy contains a cycle")

// Escalation reasons, used in PDRs and metrics.
const (
	ReasonBored     = "bored"
	ReasonStuck     = "stuck"
	ReasonExhausted = "exhausted"
)

// Store is the slice of the store the status manager needs.
type Store interface {
	FindAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, id string, patch models.AgentPatch) (*models.Agent, error)
	CreateTask(ctx context.Context, draft models.TaskDraft) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	FindTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
}

// Options configures a Manager.
type Options struct {
	BoredomThreshold  time.Duration
	MaxHierarchyDepth int
	Audit             *audit.PDRWriter
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
}

// Manager performs status transitions and writes escalation tasks.
type Manager struct {
	store     Store
	threshold time.Duration
	maxDepth  int
	audit     *audit.PDRWriter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// New creates a status Manager.
func New(store Store, opts Options) *Manager {
	if opts.BoredomThreshold <= 0 {
		opts.BoredomThreshold = 15 * time.Minute
	}
	if opts.MaxHierarchyDepth <= 0 {
		opts.MaxHierarchyDepth = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:     store,
		threshold: opts.BoredomThreshold,
		maxDepth:  opts.MaxHierarchyDepth,
		audit:     opts.Audit,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// CheckBoredom marks the agent bored once it has been idle longer than the
// boredom threshold. It reports whether the agent is bored afterwards.
func (m *Manager) CheckBoredom(ctx context.Context, agent *models.Agent) (bool, error) {
	if agent.Status == models.AgentStatusBored {
		return true, nil
	}
	if agent.Status != models.AgentStatusActive {
		return false, nil
	}
	if m.now().Sub(agent.LastActiveAt) <= m.threshold {
		return false, nil
	}
	if err := m.MarkBored(ctx, agent); err != nil {
		return false, err
	}
	return true, nil
}

// MarkBored sets the agent bored and asks its senior for work. Calling it
// again while the agent is still bored does nothing.
func (m *Manager) MarkBored(ctx context.Context, agent *models.Agent) error {
	if agent.Status == models.AgentStatusBored {
		return nil
	}

	updated, err := m.store.UpdateAgent(ctx, agent.ID, engineStatus(models.AgentStatusBored))
	if err != nil {
		return fmt.Errorf("mark agent %s bored: %w", agent.ID, err)
	}
	*agent = *updated
	if agent.Paused() {
		return nil
	}
	m.logger.Info("agent is bored", "agent_id", agent.ID, "idle_since", agent.LastActiveAt)

	draft := models.TaskDraft{
		Title:       fmt.Sprintf("Agent %s is bored", agent.Name),
		Description: escalationBody(agent, "", "reason", "no pending work"),
		Priority:    models.PriorityLow,
	}
	task, err := m.escalate(ctx, agent, ReasonBored, draft)
	if err != nil {
		return err
	}
	m.record(ctx, "agent.bored", agent, "", escalationOutcome(task))
	return nil
}

// MarkStuck sets the agent stuck after a failure on task and escalates the
// failure to the senior. A task that has not reached a terminal status is
// moved to blocked; a failed task keeps its failure.
func (m *Manager) MarkStuck(ctx context.Context, agent *models.Agent, task *models.Task, cause string) error {
	updated, err := m.store.UpdateAgent(ctx, agent.ID, engineStatus(models.AgentStatusStuck))
	if err != nil {
		return fmt.Errorf("mark agent %s stuck: %w", agent.ID, err)
	}
	*agent = *updated
	if agent.Paused() {
		m.logger.Info("agent paused during failing task, status kept", "agent_id", agent.ID, "task_id", task.ID)
	}

	if !task.Status.Terminal() {
		blocked, err := m.store.UpdateTask(ctx, task.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusBlocked)})
		if err != nil {
			return fmt.Errorf("block task %s: %w", task.ID, err)
		}
		*task = *blocked
	}
	m.logger.Warn("agent is stuck", "agent_id", agent.ID, "task_id", task.ID, "error", cause)

	draft := models.TaskDraft{
		Title:        fmt.Sprintf("Agent %s is stuck on task %s", agent.Name, task.ID),
		Description:  escalationBody(agent, task.ID, "error", cause),
		Priority:     models.PriorityHigh,
		ParentTaskID: task.ID,
	}
	esc, err := m.escalate(ctx, agent, ReasonStuck, draft)
	if err != nil {
		return err
	}
	m.record(ctx, "agent.stuck", agent, task.ID, escalationOutcome(esc))
	return nil
}

// Exhausted escalates an agent whose token budget is spent. At most one open
// exhaustion escalation exists per agent. It reports whether a senior was
// found to escalate to.
func (m *Manager) Exhausted(ctx context.Context, agent *models.Agent) (bool, error) {
	if agent.Status != models.AgentStatusStuck {
		updated, err := m.store.UpdateAgent(ctx, agent.ID, engineStatus(models.AgentStatusStuck))
		if err != nil {
			return false, fmt.Errorf("mark agent %s exhausted: %w", agent.ID, err)
		}
		*agent = *updated
	}
	m.logger.Warn("token budget exhausted", "agent_id", agent.ID,
		"token_used", agent.TokenUsed, "token_allocation", agent.TokenAllocation)

	reason := fmt.Sprintf("token budget exhausted (%d/%d)", agent.TokenUsed, agent.TokenAllocation)
	draft := models.TaskDraft{
		Title:       fmt.Sprintf("Agent %s exhausted its token budget", agent.Name),
		Description: escalationBody(agent, "", "reason", reason),
		Priority:    models.PriorityHigh,
	}
	task, err := m.escalate(ctx, agent, ReasonExhausted, draft)
	if err != nil {
		return false, err
	}
	m.record(ctx, "agent.exhausted", agent, "", escalationOutcome(task))
	return task != nil, nil
}

// Activate returns a bored or stuck agent to active and stamps its activity
// time. Paused agents are left paused.
func (m *Manager) Activate(ctx context.Context, agent *models.Agent) error {
	patch := models.AgentPatch{LastActiveAt: models.TimePtr(m.now()), KeepPaused: true}
	recovered := agent.Status == models.AgentStatusBored || agent.Status == models.AgentStatusStuck
	if recovered {
		patch.Status = models.AgentStatusPtr(models.AgentStatusActive)
	}
	updated, err := m.store.UpdateAgent(ctx, agent.ID, patch)
	if err != nil {
		return fmt.Errorf("activate agent %s: %w", agent.ID, err)
	}
	if recovered && updated.Status == models.AgentStatusActive {
		m.logger.Info("agent recovered", "agent_id", agent.ID, "from", agent.Status)
		m.record(ctx, "agent.activate", agent, "", string(agent.Status)+"->active")
	}
	*agent = *updated
	return nil
}

// engineStatus is a status patch that never overrides an operator pause.
func engineStatus(s models.AgentStatus) models.AgentPatch {
	return models.AgentPatch{Status: models.AgentStatusPtr(s), KeepPaused: true}
}

// Pause stops the engine from polling or processing for the agent.
func (m *Manager) Pause(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := m.store.UpdateAgent(ctx, agentID, models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusPaused)})
	if err != nil {
		return nil, fmt.Errorf("pause agent %s: %w", agentID, err)
	}
	m.record(ctx, "agent.pause", agent, "", "paused")
	return agent, nil
}

// Resume returns a paused agent to active and resets its idle clock.
func (m *Manager) Resume(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := m.store.UpdateAgent(ctx, agentID, models.AgentPatch{
		Status:       models.AgentStatusPtr(models.AgentStatusActive),
		LastActiveAt: models.TimePtr(m.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("resume agent %s: %w", agentID, err)
	}
	m.record(ctx, "agent.resume", agent, "", "active")
	return agent, nil
}

// ResolveSenior returns the agent's direct senior, or nil for a hierarchy
// root. The whole chain above the agent is walked, bounded by the maximum
// hierarchy depth, so that a cyclic chain is reported as ErrHierarchyCycle.
func (m *Manager) ResolveSenior(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if !agent.HasSenior() {
		return nil, nil
	}

	visited := map[string]bool{agent.ID: true}
	var direct *models.Agent
	nextID := agent.SeniorID
	for depth := 0; nextID != ""; depth++ {
		if depth >= m.maxDepth || visited[nextID] {
			return nil, fmt.Errorf("agent %s via %s: %w", agent.ID, nextID, ErrHierarchyCycle)
		}
		visited[nextID] = true

		senior, err := m.store.FindAgent(ctx, nextID)
		if err != nil {
			return nil, fmt.Errorf("find senior %s: %w", nextID, err)
		}
		if senior == nil {
			if direct == nil {
				m.logger.Warn("senior not found", "agent_id", agent.ID, "senior_id", nextID)
			}
			break
		}
		if direct == nil {
			direct = senior
		}
		nextID = senior.SeniorID
	}
	return direct, nil
}

// escalate writes an escalation task to the agent's senior unless an open
// one with the same title already exists. It returns nil without error when
// there is nobody to escalate to.
func (m *Manager) escalate(ctx context.Context, agent *models.Agent, reason string, draft models.TaskDraft) (*models.Task, error) {
	senior, err := m.ResolveSenior(ctx, agent)
	if errors.Is(err, ErrHierarchyCycle) {
		m.logger.Error("escalation disabled by hierarchy configuration", "agent_id", agent.ID, "reason", reason, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if senior == nil {
		m.logger.Info("no senior to escalate to", "agent_id", agent.ID, "reason", reason)
		return nil, nil
	}

	open, err := m.store.FindTasks(ctx, models.TaskFilter{
		AssignedToID: senior.ID,
		CreatedByID:  agent.ID,
		Kind:         models.TaskKindEscalation,
		Title:        draft.Title,
		Statuses:     []models.TaskStatus{models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusBlocked},
	})
	if err != nil {
		return nil, fmt.Errorf("find open escalations: %w", err)
	}
	if len(open) > 0 {
		return &open[0], nil
	}

	draft.AssignedToID = senior.ID
	draft.CreatedByID = agent.ID
	draft.Kind = models.TaskKindEscalation
	task, err := m.store.CreateTask(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create %s escalation: %w", reason, err)
	}
	m.metrics.Escalated(ctx, agent.ID, reason)
	m.logger.Info("escalated to senior", "agent_id", agent.ID, "senior_id", senior.ID, "task_id", task.ID, "reason", reason)
	return task, nil
}

func (m *Manager) record(ctx context.Context, action string, agent *models.Agent, taskID, outcome string) {
	m.audit.Record(ctx, action, map[string]interface{}{
		"agent_id": agent.ID,
		"status":   agent.Status,
		"task_id":  taskID,
	}, outcome, agent.ID, taskID, "")
}

// escalationBody tags an escalation so the senior can locate the agent and
// the blocked task.
func escalationBody(agent *models.Agent, taskID, key, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent_id: %s\n", agent.ID)
	fmt.Fprintf(&b, "agent_name: %s\n", agent.Name)
	if taskID != "" {
		fmt.Fprintf(&b, "blocked_task_id: %s\n", taskID)
	}
	fmt.Fprintf(&b, "%s: %s\n", key, message)
	return b.String()
}

func escalationOutcome(task *models.Task) string {
	if task == nil {
		return "not_escalated"
	}
	return "escalated:" + task.ID
}
