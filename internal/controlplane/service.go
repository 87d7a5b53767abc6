// Package controlplane provides the HTTP API and service layer for Cadre.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/scheduler"
	"github.com/fentz26/cadre/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	pdr     *audit.PDRWriter
	manager *scheduler.Manager
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, manager *scheduler.Manager) *Service {
	return &Service{
		store:   s,
		pdr:     pdr,
		manager: manager,
	}
}

// --- Agent Operations ---

// CreateAgentRequest is the payload for registering an agent.
type CreateAgentRequest struct {
	Name            string `json:"name"`
	Role            string `json:"role"`
	SeniorID        string `json:"senior_id,omitempty"`
	TeamID          string `json:"team_id,omitempty"`
	TokenAllocation int64  `json:"token_allocation"`
	Start           bool   `json:"start,omitempty"`
}

// CreateAgent registers an agent and optionally starts its loop.
func (s *Service) CreateAgent(ctx context.Context, req CreateAgentRequest) (*models.Agent, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if req.TokenAllocation < 0 {
		return nil, fmt.Errorf("%w: token_allocation must be >= 0", ErrInvalid)
	}
	if req.SeniorID != "" {
		if _, err := s.GetAgent(ctx, req.SeniorID); err != nil {
			return nil, fmt.Errorf("senior %s: %w", req.SeniorID, err)
		}
	}

	agent, err := s.store.CreateAgent(ctx, models.AgentDraft{
		Name:            req.Name,
		Role:            req.Role,
		SeniorID:        req.SeniorID,
		TeamID:          req.TeamID,
		TokenAllocation: req.TokenAllocation,
	})
	if err != nil {
		return nil, err
	}
	s.pdr.Record(ctx, "agent.create", map[string]interface{}{"name": req.Name, "senior_id": req.SeniorID}, "success", agent.ID, "", "")

	if req.Start {
		if err := s.StartAgent(ctx, agent.ID); err != nil {
			return agent, err
		}
	}
	return agent, nil
}

// GetAgent returns an agent or ErrAgentNotFound.
func (s *Service) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.store.FindAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// ListAgents returns all agents.
func (s *Service) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.store.ListAgents(ctx)
}

// StartAgent launches the agent's execution loop.
func (s *Service) StartAgent(ctx context.Context, id string) error {
	err := s.manager.Start(ctx, id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownAgent):
		return ErrAgentNotFound
	case errors.Is(err, scheduler.ErrCapacity):
		return ErrAtCapacity
	}
	return err
}

// StopAgent stops the agent's execution loop after its current task.
func (s *Service) StopAgent(ctx context.Context, id string) error {
	if _, err := s.GetAgent(ctx, id); err != nil {
		return err
	}
	return s.manager.Stop(id)
}

// PauseAgent keeps the agent's loop from taking new work.
func (s *Service) PauseAgent(ctx context.Context, id string) (*models.Agent, error) {
	if _, err := s.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	return s.manager.StatusManager().Pause(ctx, id)
}

// ResumeAgent returns a paused agent to work, starting its loop if needed.
func (s *Service) ResumeAgent(ctx context.Context, id string) (*models.Agent, error) {
	if _, err := s.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	agent, err := s.manager.StatusManager().Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.manager.Status(id) != scheduler.RunStateRunning {
		if err := s.StartAgent(ctx, id); err != nil {
			return agent, err
		}
	}
	return agent, nil
}

// TopUp raises the agent's token allocation by amount. An agent halted on
// its budget is reactivated and its loop started again.
func (s *Service) TopUp(ctx context.Context, id string, amount int64) (*models.Agent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalid)
	}
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	allocation := agent.TokenAllocation + amount
	agent, err = s.store.UpdateAgent(ctx, id, models.AgentPatch{TokenAllocation: &allocation})
	if err != nil {
		return nil, err
	}
	if agent.Status == models.AgentStatusStuck && agent.TokenUsed < agent.TokenAllocation {
		if err := s.manager.StatusManager().Activate(ctx, agent); err != nil {
			return nil, err
		}
	}
	s.pdr.Record(ctx, "agent.topup", map[string]interface{}{"agent_id": id, "amount": amount}, "success", id, "",
		fmt.Sprintf("allocation now %d", agent.TokenAllocation))

	if s.manager.Status(id) != scheduler.RunStateRunning {
		if err := s.manager.Restart(ctx, id); err != nil {
			return agent, err
		}
	}
	return agent, nil
}

// --- Task Operations ---

// CreateTaskRequest is the payload for creating a task.
type CreateTaskRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	AssignedToID string          `json:"assigned_to_id"`
	CreatedByID  string          `json:"created_by_id,omitempty"`
	Priority     models.Priority `json:"priority,omitempty"`
}

// CreateTask creates a pending work task for an agent.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalid, req.Priority)
	}
	if req.AssignedToID != "" {
		if _, err := s.GetAgent(ctx, req.AssignedToID); err != nil {
			return nil, err
		}
	}

	task, err := s.store.CreateTask(ctx, models.TaskDraft{
		Title:        req.Title,
		Description:  req.Description,
		AssignedToID: req.AssignedToID,
		CreatedByID:  req.CreatedByID,
		Priority:     req.Priority,
		Kind:         models.TaskKindWork,
	})
	if err != nil {
		return nil, err
	}

	s.pdr.Record(ctx, "task.create", map[string]string{"title": req.Title, "assigned_to_id": req.AssignedToID},
		"success", req.AssignedToID, task.ID, "")
	return task, nil
}

// GetTask returns a task or ErrTaskNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks filtered by status and assignee. Empty values do
// not filter.
func (s *Service) ListTasks(ctx context.Context, status, agentID string) ([]models.Task, error) {
	filter := models.TaskFilter{AssignedToID: agentID}
	if status != "" {
		st := models.TaskStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
		}
		filter.Statuses = []models.TaskStatus{st}
	}
	return s.store.FindTasks(ctx, filter)
}

// --- Engine ---

// Workers returns the state of every execution loop.
func (s *Service) Workers() []scheduler.LoopState {
	return s.manager.Snapshot()
}

// Stats returns engine statistics.
func (s *Service) Stats() map[string]interface{} {
	return s.manager.GetStats()
}

// AuditTrail returns the decision records of an agent, newest first.
func (s *Service) AuditTrail(ctx context.Context, agentID string) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, agentID)
}
