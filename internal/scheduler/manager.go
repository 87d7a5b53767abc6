package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/budget"
	"github.com/fentz26/cadre/internal/completion"
	"github.com/fentz26/cadre/internal/delegation"
	"github.com/fentz26/cadre/internal/events"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/status"
	"github.com/fentz26/cadre/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCapacity is returned when starting another loop would exceed
	// MaxConcurrentAgents.
	ErrCapacity = errors.New("maximum concurrent agents reached")
	// ErrUnknownAgent is returned when the agent does not exist.
	ErrUnknownAgent = errors.New("unknown agent")
)

// RunState is the lifecycle state of an agent's loop.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
	RunStateUnknown RunState = "unknown"
)

// Store is the persistence the engine runs on.
type Store interface {
	Ping(ctx context.Context) error
	FindAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, id string, patch models.AgentPatch) (*models.Agent, error)
	AddTokenUsage(ctx context.Context, id string, delta int64) (*models.Agent, error)
	ListSubordinates(ctx context.Context, seniorID string) ([]models.Agent, error)
	CreateTask(ctx context.Context, draft models.TaskDraft) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	FindTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	CountOpenTasks(ctx context.Context, agentID string) (int, error)
}

// Deps are the collaborators of a Manager. Logger, Metrics, Audit and
// Events are optional.
type Deps struct {
	Store     Store
	Completer completion.Service
	Config    *Config
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Audit     *audit.PDRWriter
	Events    events.Publisher
}

type handle struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the execution loops of all agents. At most one loop runs
// per agent.
type Manager struct {
	store      Store
	completer  completion.Service
	cfg        *Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	audit      *audit.PDRWriter
	events     events.Publisher
	budget     *budget.Enforcer
	status     *status.Manager
	delegation *delegation.Engine

	mu    sync.Mutex
	loops map[string]*handle
}

// New creates a Manager.
func New(d Deps) *Manager {
	if d.Config == nil {
		d.Config = DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}

	st := status.New(d.Store, status.Options{
		BoredomThreshold:  d.Config.BoredomThreshold,
		MaxHierarchyDepth: d.Config.MaxHierarchyDepth,
		Audit:             d.Audit,
		Logger:            d.Logger,
		Metrics:           d.Metrics,
	})
	return &Manager{
		store:     d.Store,
		completer: d.Completer,
		cfg:       d.Config,
		logger:    d.Logger,
		metrics:   d.Metrics,
		audit:     d.Audit,
		events:    d.Events,
		budget:    budget.New(d.Store, d.Logger, d.Metrics),
		status:    st,
		delegation: delegation.New(d.Store, d.Completer, delegation.Options{
			MaxDepth:     d.Config.MaxDelegationDepth,
			Timeout:      d.Config.DelegationTimeout,
			PollInterval: d.Config.DelegationPollInterval,
			Temperature:  d.Config.Temperature,
			Escalator:    st,
			Audit:        d.Audit,
			Logger:       d.Logger,
			Metrics:      d.Metrics,
		}),
		loops: make(map[string]*handle),
	}
}

// StatusManager returns the status manager shared by all loops.
func (m *Manager) StatusManager() *status.Manager {
	return m.status
}

// Start launches the execution loop for agentID. Starting an agent whose
// loop is already running is a no-op. The loop outlives ctx; use Stop.
func (m *Manager) Start(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.loops[agentID]; ok {
		select {
		case <-h.done:
			delete(m.loops, agentID)
		default:
			return nil
		}
	}
	m.reapLocked()
	if m.cfg.MaxConcurrentAgents > 0 && len(m.loops) >= m.cfg.MaxConcurrentAgents {
		return ErrCapacity
	}

	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	agent, err := m.store.FindAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	loop := m.newLoop(agentID)
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &handle{loop: loop, cancel: cancel, done: make(chan struct{})}
	m.loops[agentID] = h

	go func() {
		defer close(h.done)
		loop.Run(loopCtx)
	}()

	if m.audit != nil {
		m.audit.Record(ctx, "agent.start", map[string]string{"agent_id": agentID}, "started", agentID, "", "")
	}
	return nil
}

// Stop signals the agent's loop and waits until it has exited. A task in
// flight reaches its terminal write first. Stopping an agent that is not
// running is a no-op.
func (m *Manager) Stop(agentID string) error {
	m.mu.Lock()
	h, ok := m.loops[agentID]
	if ok {
		delete(m.loops, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.cancel()
	<-h.done
	if m.audit != nil {
		m.audit.Record(context.Background(), "agent.stop", map[string]string{"agent_id": agentID}, "stopped", agentID, "", "")
	}
	return nil
}

// Restart stops and starts the agent's loop.
func (m *Manager) Restart(ctx context.Context, agentID string) error {
	if err := m.Stop(agentID); err != nil {
		return err
	}
	return m.Start(ctx, agentID)
}

// StartAll starts a loop for every agent that is not paused and reports
// the agents that could not be started.
func (m *Manager) StartAll(ctx context.Context, agents []models.Agent) error {
	var errs []error
	for _, a := range agents {
		if a.Paused() {
			continue
		}
		if err := m.Start(ctx, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running loop concurrently and waits for all of them.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.Stop(id) })
	}
	return g.Wait()
}

// Status reports whether the agent's loop is running.
func (m *Manager) Status(agentID string) RunState {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.loops[agentID]
	if !ok {
		return RunStateUnknown
	}
	select {
	case <-h.done:
		return RunStateStopped
	default:
		return RunStateRunning
	}
}

// Snapshot returns the state of every known loop, ordered by agent id.
func (m *Manager) Snapshot() []LoopState {
	m.mu.Lock()
	states := make([]LoopState, 0, len(m.loops))
	for _, h := range m.loops {
		states = append(states, h.loop.State())
	}
	m.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].AgentID < states[j].AgentID })
	return states
}

// GetStats returns engine statistics.
func (m *Manager) GetStats() map[string]interface{} {
	running := 0
	for _, s := range m.Snapshot() {
		if s.Running {
			running++
		}
	}
	return map[string]interface{}{
		"running_agents":        running,
		"max_concurrent_agents": m.cfg.MaxConcurrentAgents,
		"poll_interval":         m.cfg.PollInterval.String(),
	}
}

// reapLocked forgets loops that exited on their own, such as exhausted
// agents. m.mu must be held.
func (m *Manager) reapLocked() {
	for id, h := range m.loops {
		select {
		case <-h.done:
			delete(m.loops, id)
		default:
		}
	}
}

func (m *Manager) newLoop(agentID string) *Loop {
	proc := &Processor{
		store:      m.store,
		completer:  m.completer,
		budget:     m.budget,
		status:     m.status,
		delegation: m.delegation,
		events:     m.events,
		pdr:        m.audit,
		cfg:        m.cfg,
		logger:     m.logger,
		metrics:    m.metrics,
	}
	return &Loop{
		agentID: agentID,
		store:   m.store,
		proc:    proc,
		status:  m.status,
		budget:  m.budget,
		events:  m.events,
		cfg:     m.cfg,
		logger:  m.logger,
		metrics: m.metrics,
		state:   LoopState{AgentID: agentID, PollInterval: m.cfg.PollInterval},
	}
}
