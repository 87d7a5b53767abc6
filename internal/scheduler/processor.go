package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/budget"
	"github.com/fentz26/cadre/internal/completion"
	"github.com/fentz26/cadre/internal/delegation"
	"github.com/fentz26/cadre/internal/events"
	"github.com/fentz26/cadre/internal/logger"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/status"
	"github.com/fentz26/cadre/internal/telemetry"
)

// ErrBudgetExhausted is returned by Process when the agent may not spend
// more tokens. The task is left pending.
var ErrBudgetExhausted = errors.New("token budget exhausted")

// Outcome describes how Process settled a task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDelegated Outcome = "delegated"
	OutcomeDeferred  Outcome = "deferred"
)

// Processor executes single tasks end to end for an agent.
type Processor struct {
	store      Store
	completer  completion.Service
	budget     *budget.Enforcer
	status     *status.Manager
	delegation *delegation.Engine
	events     events.Publisher
	pdr        *audit.PDRWriter
	cfg        *Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	followers sync.WaitGroup
}

// Process runs task for agent and always leaves the task with a written
// outcome. The only error returned is ErrBudgetExhausted. Delegated tasks
// are followed in the background under followCtx.
func (p *Processor) Process(ctx, followCtx context.Context, agent *models.Agent, task *models.Task) (outcome Outcome, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, agent.ID, task.ID)
	defer span.End()
	start := time.Now()
	log := p.logger.With("agent_id", agent.ID, "task_id", task.ID, "correlation_id", logger.CorrelationID(ctx))

	defer func() {
		if r := recover(); r != nil {
			log.Error("task processing panicked", "panic", r)
			p.fail(ctx, agent, task, fmt.Sprintf("internal error: %v", r))
			outcome, err = OutcomeFailed, nil
		}
	}()

	// A stale in-progress task that was already handed down resumes waiting.
	if task.Status == models.TaskStatusInProgress {
		child, err := p.delegation.Delegated(ctx, task.ID)
		if err != nil {
			log.Warn("lookup delegated task failed", "error", err)
		}
		if child != nil {
			log.Info("resuming delegated task", "delegated_task_id", child.ID)
			p.follow(followCtx, agent, task, child)
			return OutcomeDelegated, nil
		}
	}

	// 1. Claim.
	claimed, err := p.store.UpdateTask(ctx, task.ID, models.TaskPatch{
		Status:       models.StatusPtr(models.TaskStatusInProgress),
		AssignedToID: models.StringPtr(agent.ID),
	})
	if err != nil {
		log.Error("claim task failed", "error", err)
		return OutcomeDeferred, nil
	}
	*task = *claimed
	p.events.TaskStatus(ctx, task)

	// 2. Budget gate.
	if !p.budget.Check(ctx, agent).Allowed {
		p.release(ctx, task, log)
		return OutcomeDeferred, ErrBudgetExhausted
	}

	// Reports are acknowledged without a model call.
	if task.Kind == models.TaskKindReport {
		p.complete(ctx, agent, task, "Acknowledged", start)
		return OutcomeCompleted, nil
	}

	// 3. Delegation.
	delegated, err := p.tryDelegate(ctx, followCtx, agent, task, log)
	if err != nil {
		return OutcomeDeferred, err
	}
	if delegated {
		return OutcomeDelegated, nil
	}

	// 4. Execute.
	callCtx, callSpan := telemetry.StartCompletionSpan(ctx, connectorName(p.completer), agent.ID)
	resp, genErr := p.completer.Generate(callCtx, buildPrompt(agent, task), completion.Options{
		AgentID:       agent.ID,
		CorrelationID: logger.CorrelationID(ctx),
		Temperature:   p.cfg.Temperature,
		MaxTokens:     p.cfg.MaxTokens,
	})
	callSpan.End()

	if resp != nil && resp.TokensUsed.Total != 0 {
		if updated, err := p.budget.RecordUsage(ctx, agent, resp.TokensUsed.Total); err != nil {
			log.Error("record token usage failed", "error", err)
		} else {
			*agent = *updated
		}
	}

	// 6. Failure.
	if genErr != nil {
		p.fail(ctx, agent, task, genErr.Error())
		p.metrics.TaskProcessed(ctx, agent.ID, true, time.Since(start).Seconds())
		return OutcomeFailed, nil
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		p.fail(ctx, agent, task, "empty completion")
		p.metrics.TaskProcessed(ctx, agent.ID, true, time.Since(start).Seconds())
		return OutcomeFailed, nil
	}

	// 5. Success.
	p.complete(ctx, agent, task, content, start)
	p.report(ctx, agent, task, log)
	return OutcomeCompleted, nil
}

// Wait blocks until every background delegation follower has returned.
func (p *Processor) Wait() {
	p.followers.Wait()
}

func (p *Processor) tryDelegate(ctx, followCtx context.Context, agent *models.Agent, task *models.Task, log *slog.Logger) (bool, error) {
	subs, err := p.store.ListSubordinates(ctx, agent.ID)
	if err != nil {
		log.Warn("list subordinates failed, executing directly", "error", err)
		return false, nil
	}

	decision := p.delegation.Assess(ctx, agent, task, subs)
	if decision.TokensUsed > 0 {
		updated, err := p.budget.RecordUsage(ctx, agent, decision.TokensUsed)
		if err != nil {
			log.Error("record verdict tokens failed", "error", err)
		} else {
			*agent = *updated
		}
	}
	log.Debug("delegation assessed", "delegate", decision.ShouldDelegate,
		"subordinate_id", decision.SubordinateID, "rationale", decision.Rationale)

	if !budget.Check(agent).Allowed {
		p.release(ctx, task, log)
		return false, ErrBudgetExhausted
	}
	if !decision.ShouldDelegate {
		return false, nil
	}

	var sub *models.Agent
	for i := range subs {
		if subs[i].ID == decision.SubordinateID {
			sub = &subs[i]
			break
		}
	}
	if sub == nil {
		return false, nil
	}

	child, err := p.delegation.Delegate(ctx, agent, task, sub)
	if err != nil {
		log.Error("delegation failed, executing directly", "error", err)
		return false, nil
	}
	p.events.TaskStatus(ctx, task)
	p.events.TaskStatus(ctx, child)
	p.follow(followCtx, agent, task, child)
	return true, nil
}

// follow waits for a delegated child in the background.
func (p *Processor) follow(ctx context.Context, agent *models.Agent, original, child *models.Task) {
	agentCopy, originalCopy, childCopy := *agent, *original, *child
	p.followers.Add(1)
	go func() {
		defer p.followers.Done()
		if err := p.delegation.Follow(ctx, &agentCopy, &originalCopy, &childCopy); err != nil && ctx.Err() == nil {
			p.logger.Error("follow delegated task failed", "agent_id", agentCopy.ID,
				"task_id", originalCopy.ID, "delegated_task_id", childCopy.ID, "error", err)
		}
	}()
}

func (p *Processor) release(ctx context.Context, task *models.Task, log *slog.Logger) {
	released, err := p.store.UpdateTask(ctx, task.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusPending)})
	if err != nil {
		log.Error("release task failed", "error", err)
		return
	}
	*task = *released
	p.events.TaskStatus(ctx, task)
}

func (p *Processor) complete(ctx context.Context, agent *models.Agent, task *models.Task, result string, start time.Time) {
	done, err := p.store.UpdateTask(ctx, task.ID, models.TaskPatch{
		Status: models.StatusPtr(models.TaskStatusCompleted),
		Result: &result,
	})
	if err != nil {
		p.logger.Error("write task result failed", "agent_id", agent.ID, "task_id", task.ID, "error", err)
		return
	}
	*task = *done
	p.events.TaskStatus(ctx, task)
	p.metrics.TaskProcessed(ctx, agent.ID, false, time.Since(start).Seconds())
	p.pdr.Record(ctx, "task.complete", map[string]interface{}{
		"task_id": task.ID,
		"kind":    task.Kind,
	}, "completed", agent.ID, task.ID, "")
	p.logger.Info("task completed", "agent_id", agent.ID, "task_id", task.ID,
		"correlation_id", logger.CorrelationID(ctx))
}

func (p *Processor) fail(ctx context.Context, agent *models.Agent, task *models.Task, message string) {
	failed, err := p.store.UpdateTask(ctx, task.ID, models.TaskPatch{
		Status: models.StatusPtr(models.TaskStatusFailed),
		Result: models.StringPtr("Error: " + message),
	})
	if err != nil {
		p.logger.Error("write task failure failed", "agent_id", agent.ID, "task_id", task.ID, "error", err)
	} else {
		*task = *failed
		p.events.TaskStatus(ctx, task)
	}
	p.pdr.Record(ctx, "task.fail", map[string]string{"task_id": task.ID, "error": message},
		"failed", agent.ID, task.ID, message)

	if err := p.status.MarkStuck(ctx, agent, task, message); err != nil {
		p.logger.Error("stuck escalation failed", "agent_id", agent.ID, "task_id", task.ID, "error", err)
	}
}

// report sends the senior a lightweight note that task finished. Delegated
// work is already followed by its delegator and escalations are not reported.
func (p *Processor) report(ctx context.Context, agent *models.Agent, task *models.Task, log *slog.Logger) {
	if !p.cfg.CompletionReports || !agent.HasSenior() {
		return
	}
	if task.Kind == models.TaskKindEscalation || task.Kind == models.TaskKindDelegation {
		return
	}
	senior, err := p.status.ResolveSenior(ctx, agent)
	if err != nil || senior == nil {
		return
	}
	_, err = p.store.CreateTask(ctx, models.TaskDraft{
		Title:        fmt.Sprintf("Report: %s completed by %s", task.Title, agent.Name),
		Description:  fmt.Sprintf("task_id: %s\nagent_id: %s\n", task.ID, agent.ID),
		AssignedToID: senior.ID,
		CreatedByID:  agent.ID,
		Priority:     models.PriorityLow,
		Kind:         models.TaskKindReport,
		ParentTaskID: task.ID,
	})
	if err != nil {
		log.Warn("completion report failed", "error", err)
	}
}

func buildPrompt(agent *models.Agent, task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, ", %s", agent.Role)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Task: %s\nPriority: %s\n", task.Title, task.Priority)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	b.WriteString("\nComplete the task and reply with the result.\n")
	return b.String()
}

func connectorName(s completion.Service) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "completion"
}
