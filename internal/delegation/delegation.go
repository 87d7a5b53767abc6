// Package delegation decides whether an agent executes a task itself or hands
// it to a subordinate, and follows delegated work to completion.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/budget"
	"github.com/fentz26/cadre/internal/completion"
	"github.com/fentz26/cadre/internal/logger"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/telemetry"
)

var (
	// ErrNoEligibleSubordinate is returned when every subordinate is paused
	// or out of budget.
	ErrNoEligibleSubordinate = errors.New("no eligible subordinate")

	// ErrTimeout is returned when a delegated task does not finish in time.
	ErrTimeout = errors.New("delegated task timed out")
)

// Decision is the outcome of a delegation assessment.
type Decision struct {
	ShouldDelegate bool   `json:"should_delegate"`
	SubordinateID  string `json:"subordinate_id,omitempty"`
	Rationale      string `json:"rationale"`
	TokensUsed     int64  `json:"tokens_used"`
}

// Store is the slice of the store the engine needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	FindTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	CreateTask(ctx context.Context, draft models.TaskDraft) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	CountOpenTasks(ctx context.Context, agentID string) (int, error)
}

// Escalator reports a stuck agent to its senior.
type Escalator interface {
	MarkStuck(ctx context.Context, agent *models.Agent, task *models.Task, cause string) error
}

// Options configures an Engine.
type Options struct {
	MaxDepth     int
	Timeout      time.Duration
	PollInterval time.Duration
	Temperature  float64
	Escalator    Escalator
	Audit        *audit.PDRWriter
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Engine assesses and performs delegation.
type Engine struct {
	store     Store
	completer completion.Service
	opts      Options
	logger    *slog.Logger
}

// New creates a delegation Engine.
func New(store Store, completer completion.Service, opts Options) *Engine {
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{store: store, completer: completer, opts: opts, logger: opts.Logger}
}

// Assess decides whether agent should delegate task to one of subordinates.
// It never delegates without subordinates, past the depth bound, or on an
// unclear verdict.
func (e *Engine) Assess(ctx context.Context, agent *models.Agent, task *models.Task, subordinates []models.Agent) Decision {
	if len(subordinates) == 0 {
		return Decision{Rationale: "no subordinates"}
	}
	if task.DelegationDepth >= e.opts.MaxDepth {
		return Decision{Rationale: fmt.Sprintf("delegation depth %d reached limit %d", task.DelegationDepth, e.opts.MaxDepth)}
	}

	eligible := Eligible(subordinates)
	if len(eligible) == 0 {
		return Decision{Rationale: "no eligible subordinate"}
	}

	resp, err := e.completer.Generate(ctx, verdictPrompt(agent, task, eligible), completion.Options{
		AgentID:       agent.ID,
		CorrelationID: logger.CorrelationID(ctx),
		Temperature:   e.opts.Temperature,
		MaxTokens:     64,
	})
	if err != nil {
		e.logger.Warn("delegation verdict unavailable", "agent_id", agent.ID, "task_id", task.ID, "error", err)
		return Decision{Rationale: "verdict unavailable: " + err.Error()}
	}

	delegate, ok := ParseVerdict(resp.Content)
	decision := Decision{TokensUsed: resp.TokensUsed.Total}
	switch {
	case !ok:
		decision.Rationale = "ambiguous verdict"
		e.logger.Debug("ambiguous delegation verdict", "agent_id", agent.ID, "task_id", task.ID, "content", resp.Content)
	case !delegate:
		decision.Rationale = "model chose direct execution"
	default:
		sub, err := e.SelectSubordinate(ctx, eligible)
		if err != nil {
			decision.Rationale = "selection failed: " + err.Error()
			break
		}
		decision.ShouldDelegate = true
		decision.SubordinateID = sub.ID
		decision.Rationale = fmt.Sprintf("delegating to %s (%s)", sub.Name, sub.Role)
	}
	return decision
}

// Eligible returns the subordinates that may receive work: not paused and
// with budget left.
func Eligible(subordinates []models.Agent) []models.Agent {
	var out []models.Agent
	for _, sub := range subordinates {
		if sub.Paused() {
			continue
		}
		if !budget.Check(&sub).Allowed {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// SelectSubordinate picks the eligible subordinate with the fewest open
// tasks, breaking ties by lowest id.
func (e *Engine) SelectSubordinate(ctx context.Context, subordinates []models.Agent) (*models.Agent, error) {
	type candidate struct {
		agent models.Agent
		load  int
	}

	var candidates []candidate
	for _, sub := range Eligible(subordinates) {
		load, err := e.store.CountOpenTasks(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("count tasks for %s: %w", sub.ID, err)
		}
		candidates = append(candidates, candidate{agent: sub, load: load})
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleSubordinate
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	chosen := candidates[0].agent
	return &chosen, nil
}

// Delegate creates a new task for sub that references task, and marks task
// in progress with the delegate noted.
func (e *Engine) Delegate(ctx context.Context, agent *models.Agent, task *models.Task, sub *models.Agent) (*models.Task, error) {
	var desc strings.Builder
	desc.WriteString(task.Description)
	if task.Description != "" {
		desc.WriteString("\n\n")
	}
	fmt.Fprintf(&desc, "delegated_from_task_id: %s\ndelegated_by: %s\n", task.ID, agent.ID)

	child, err := e.store.CreateTask(ctx, models.TaskDraft{
		Title:           task.Title,
		Description:     desc.String(),
		AssignedToID:    sub.ID,
		CreatedByID:     agent.ID,
		Priority:        task.Priority,
		Kind:            models.TaskKindDelegation,
		ParentTaskID:    task.ID,
		DelegationDepth: task.DelegationDepth + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create delegated task: %w", err)
	}

	note := fmt.Sprintf("Delegated to %s (%s) as task %s", sub.Name, sub.ID, child.ID)
	updated, err := e.store.UpdateTask(ctx, task.ID, models.TaskPatch{
		Status: models.StatusPtr(models.TaskStatusInProgress),
		Result: &note,
	})
	if err != nil {
		return nil, fmt.Errorf("mark task delegated: %w", err)
	}
	*task = *updated

	e.logger.Info("task delegated", "agent_id", agent.ID, "task_id", task.ID,
		"subordinate_id", sub.ID, "delegated_task_id", child.ID,
		"correlation_id", logger.CorrelationID(ctx))
	e.opts.Metrics.TaskDelegated(ctx, agent.ID)
	e.opts.Audit.Record(ctx, "task.delegate", map[string]interface{}{
		"task_id":        task.ID,
		"subordinate_id": sub.ID,
		"depth":          child.DelegationDepth,
	}, "delegated:"+child.ID, agent.ID, task.ID, note)
	return child, nil
}

// Delegated returns the most recent delegated child of taskID, or nil.
func (e *Engine) Delegated(ctx context.Context, taskID string) (*models.Task, error) {
	children, err := e.store.FindTasks(ctx, models.TaskFilter{ParentTaskID: taskID, Kind: models.TaskKindDelegation})
	if err != nil {
		return nil, fmt.Errorf("find delegated tasks: %w", err)
	}
	if len(children) == 0 {
		return nil, nil
	}
	latest := children[0]
	for _, c := range children[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return &latest, nil
}

// Await polls the delegated task until it reaches a terminal status, the
// delegation timeout passes (ErrTimeout), or ctx is done.
func (e *Engine) Await(ctx context.Context, delegatedID string) (*models.Task, error) {
	deadline := time.NewTimer(e.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		task, err := e.store.GetTask(ctx, delegatedID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, fmt.Errorf("delegated task %s disappeared", delegatedID)
		}
		if task.Status.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return task, ErrTimeout
		case <-ticker.C:
		}
	}
}

// Follow waits for the delegated child of original and settles original:
// completed with the child's result, failed when the child failed, or
// blocked and escalated on timeout. The child is never modified. If ctx ends
// first the original stays in progress for a later Follow.
func (e *Engine) Follow(ctx context.Context, agent *models.Agent, original, child *models.Task) error {
	done, err := e.Await(ctx, child.ID)
	switch {
	case errors.Is(err, ErrTimeout):
		cause := fmt.Sprintf("delegated task %s not finished after %s", child.ID, e.opts.Timeout)
		e.logger.Warn("delegation timed out", "agent_id", agent.ID, "task_id", original.ID, "delegated_task_id", child.ID)
		e.opts.Audit.Record(ctx, "task.delegate.timeout", map[string]string{"task_id": original.ID, "child": child.ID},
			"blocked", agent.ID, original.ID, cause)
		if e.opts.Escalator == nil {
			_, err := e.store.UpdateTask(ctx, original.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusBlocked)})
			return err
		}
		return e.opts.Escalator.MarkStuck(ctx, agent, original, cause)
	case err != nil:
		return err
	}

	var patch models.TaskPatch
	switch done.Status {
	case models.TaskStatusCompleted:
		patch.Status = models.StatusPtr(models.TaskStatusCompleted)
		patch.Result = models.StringPtr(resultOf(done))
	default:
		patch.Status = models.StatusPtr(models.TaskStatusFailed)
		patch.Result = models.StringPtr(fmt.Sprintf("Error: delegated task %s ended %s: %s", done.ID, done.Status, resultOf(done)))
	}
	if _, err := e.store.UpdateTask(ctx, original.ID, patch); err != nil {
		return fmt.Errorf("settle delegated task: %w", err)
	}
	e.logger.Info("delegated task settled", "agent_id", agent.ID, "task_id", original.ID,
		"delegated_task_id", done.ID, "status", done.Status)
	e.opts.Audit.Record(ctx, "task.delegate.settle", map[string]string{"task_id": original.ID, "child": done.ID},
		string(*patch.Status), agent.ID, original.ID, "")
	return nil
}

func resultOf(t *models.Task) string {
	if t.Result == nil {
		return ""
	}
	return *t.Result
}

// ParseVerdict reads a delegation verdict. The first non-empty line must
// name exactly one of DELEGATE or EXECUTE without negation; ok is false for
// anything else.
func ParseVerdict(content string) (delegate bool, ok bool) {
	var first string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			first = line
			break
		}
	}
	if first == "" {
		return false, false
	}

	var sawDelegate, sawExecute bool
	for _, word := range strings.FieldsFunc(strings.ToUpper(first), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z')
	}) {
		switch word {
		case "DELEGATE":
			sawDelegate = true
		case "EXECUTE":
			sawExecute = true
		case "NOT", "NO", "DON", "DONT", "NEVER":
			return false, false
		}
	}

	switch {
	case sawDelegate && !sawExecute:
		return true, true
	case sawExecute && !sawDelegate:
		return false, true
	default:
		return false, false
	}
}

func verdictPrompt(agent *models.Agent, task *models.Task, subordinates []models.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, role: %s.\n", agent.Name, agent.Role)
	fmt.Fprintf(&b, "Decide whether to execute this task yourself or delegate it to a subordinate.\n\n")
	fmt.Fprintf(&b, "Task: %s\n%s\n\nSubordinates:\n", task.Title, task.Description)
	for _, sub := range subordinates {
		fmt.Fprintf(&b, "- %s (%s)\n", sub.Name, sub.Role)
	}
	b.WriteString("\nAnswer with a single word on the first line: DELEGATE or EXECUTE.\n")
	return b.String()
}
