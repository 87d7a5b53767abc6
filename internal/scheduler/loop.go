package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/cadre/internal/budget"
	"github.com/fentz26/cadre/internal/events"
	"github.com/fentz26/cadre/internal/logger"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/status"
	"github.com/fentz26/cadre/internal/store"
	"github.com/fentz26/cadre/internal/telemetry"
	"github.com/google/uuid"
)

// errHalt ends the loop without an error backoff.
var errHalt = errors.New("loop halted")

// Phase names the step an execution loop is in.
type Phase string

const (
	PhaseIdle       Phase = "idle-wait"
	PhaseBudget     Phase = "checking-budget"
	PhasePolling    Phase = "polling"
	PhaseProcessing Phase = "processing"
	PhasePaused     Phase = "paused"
	PhaseHalted     Phase = "halted"
)

// LoopState is a snapshot of one execution loop.
type LoopState struct {
	AgentID        string        `json:"agent_id"`
	PollInterval   time.Duration `json:"poll_interval"`
	Running        bool          `json:"running"`
	LastPollAt     time.Time     `json:"last_poll_at"`
	Phase          Phase         `json:"phase"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
	TasksProcessed int           `json:"tasks_processed"`
	LastError      string        `json:"last_error,omitempty"`
}

// Loop is the scheduling cycle of a single agent. Tasks are processed
// strictly one at a time.
type Loop struct {
	agentID string
	store   Store
	proc    *Processor
	status  *status.Manager
	budget  *budget.Enforcer
	events  events.Publisher
	cfg     *Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	state      LoopState
	stale      map[string]bool
	lastStatus models.AgentStatus
}

// State returns a copy of the loop's current state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) update(fn func(s *LoopState)) {
	l.mu.Lock()
	fn(&l.state)
	l.mu.Unlock()
}

// Run cycles until ctx is cancelled or the agent halts on an exhausted
// budget. A task being processed always reaches its terminal write before
// Run returns.
func (l *Loop) Run(ctx context.Context) {
	l.update(func(s *LoopState) { s.Running = true })
	l.metrics.LoopStarted(ctx)
	l.logger.Info("execution loop started", "agent_id", l.agentID)
	defer func() {
		l.proc.Wait()
		l.update(func(s *LoopState) { s.Running = false })
		l.metrics.LoopStopped(context.Background())
		l.logger.Info("execution loop stopped", "agent_id", l.agentID)
	}()

	l.collectStale(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		again, err := l.cycle(ctx)
		switch {
		case errors.Is(err, errHalt):
			l.update(func(s *LoopState) { s.Phase = PhaseHalted })
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("cycle failed", "agent_id", l.agentID, "error", err)
			l.update(func(s *LoopState) { s.LastError = err.Error(); s.Phase = PhaseIdle })
			l.sleep(ctx, l.cfg.ErrorRetryDelay)
		case again:
			continue
		default:
			l.sleep(ctx, l.cfg.PollInterval)
		}
	}
}

// cycle runs one pass of the loop. It reports whether to cycle again
// immediately.
func (l *Loop) cycle(ctx context.Context) (again bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	ctx = logger.WithCorrelationID(ctx, uuid.New().String())
	ctx, span := telemetry.StartCycleSpan(ctx, l.agentID, logger.CorrelationID(ctx))
	defer span.End()

	agent, err := l.store.FindAgent(ctx, l.agentID)
	if err != nil {
		return false, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		l.logger.Warn("agent no longer exists", "agent_id", l.agentID)
		return false, errHalt
	}
	l.observe(ctx, agent)

	// 1. Paused agents are not polled.
	if agent.Paused() {
		l.update(func(s *LoopState) { s.Phase = PhasePaused })
		return false, nil
	}

	// 2. Budget.
	l.update(func(s *LoopState) { s.Phase = PhaseBudget })
	if !l.budget.Check(ctx, agent).Allowed {
		escalated, err := l.status.Exhausted(ctx, agent)
		if err != nil {
			return false, err
		}
		l.observe(ctx, agent)
		l.logger.Warn("halting exhausted agent", "agent_id", agent.ID, "escalated", escalated)
		return false, errHalt
	}

	// 3. Poll.
	l.update(func(s *LoopState) { s.Phase = PhasePolling; s.LastPollAt = time.Now() })
	tasks, err := l.store.FindTasks(ctx, models.TaskFilter{
		AssignedToID: agent.ID,
		Statuses:     []models.TaskStatus{models.TaskStatusPending, models.TaskStatusInProgress},
	})
	if err != nil {
		return false, fmt.Errorf("poll tasks: %w", err)
	}
	task := l.next(tasks)

	// 4. Idle.
	if task == nil {
		if _, err := l.status.CheckBoredom(ctx, agent); err != nil {
			return false, err
		}
		l.observe(ctx, agent)
		l.update(func(s *LoopState) { s.Phase = PhaseIdle })
		return false, nil
	}

	// 5. Process exactly one task. Processing is detached from the stop
	// signal so the task always gets its terminal write.
	l.update(func(s *LoopState) { s.Phase = PhaseProcessing; s.CurrentTaskID = task.ID })
	outcome, perr := l.proc.Process(context.WithoutCancel(ctx), ctx, agent, task)
	l.forget(task.ID)
	l.update(func(s *LoopState) {
		s.CurrentTaskID = ""
		if outcome != OutcomeDeferred {
			s.TasksProcessed++
		}
	})
	if errors.Is(perr, ErrBudgetExhausted) {
		return true, nil
	}

	if outcome == OutcomeCompleted || outcome == OutcomeDelegated {
		if err := l.status.Activate(context.WithoutCancel(ctx), agent); err != nil {
			return false, err
		}
	}
	l.observe(ctx, agent)
	return true, nil
}

// next picks the task to run: pending work and stale in-progress work left
// from a previous run, by priority then age, pending first on ties.
func (l *Loop) next(tasks []models.Task) *models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	var candidates []models.Task
	for _, t := range tasks {
		if t.Status == models.TaskStatusPending || l.stale[t.ID] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	store.SortForExecution(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return false
		}
		return a.Status == models.TaskStatusPending && b.Status != models.TaskStatusPending
	})
	return &candidates[0]
}

// collectStale remembers in-progress tasks left by an earlier run so the
// loop may pick them up again.
func (l *Loop) collectStale(ctx context.Context) {
	tasks, err := l.store.FindTasks(ctx, models.TaskFilter{
		AssignedToID: l.agentID,
		Statuses:     []models.TaskStatus{models.TaskStatusInProgress},
	})
	if err != nil {
		l.logger.Warn("stale task scan failed", "agent_id", l.agentID, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = make(map[string]bool, len(tasks))
	for _, t := range tasks {
		l.stale[t.ID] = true
	}
	if len(tasks) > 0 {
		l.logger.Info("found stale in-progress tasks", "agent_id", l.agentID, "count", len(tasks))
	}
}

func (l *Loop) forget(taskID string) {
	l.mu.Lock()
	delete(l.stale, taskID)
	l.mu.Unlock()
}

// observe publishes the agent's status when it changed since last seen.
func (l *Loop) observe(ctx context.Context, agent *models.Agent) {
	l.mu.Lock()
	changed := agent.Status != l.lastStatus
	l.lastStatus = agent.Status
	l.mu.Unlock()
	if changed {
		l.events.AgentStatus(ctx, agent)
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
