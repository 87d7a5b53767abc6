// Package budget gates agent work on token consumption.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/telemetry"
)

// Level classifies how much of its allocation an agent has consumed.
type Level string

const (
	LevelOK        Level = "ok"
	LevelWarn90    Level = "warn90"
	LevelWarn95    Level = "warn95"
	LevelExhausted Level = "exhausted"
)

// Result is the outcome of a budget check.
type Result struct {
	Allowed bool  `json:"allowed"`
	Level   Level `json:"level"`
}

// Store is the slice of the store the enforcer needs.
type Store interface {
	AddTokenUsage(ctx context.Context, id string, delta int64) (*models.Agent, error)
}

// Enforcer answers whether an agent may spend more tokens and records usage.
type Enforcer struct {
	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	levels map[string]Level // last level seen per agent
}

// New creates an Enforcer. metrics may be nil.
func New(store Store, logger *slog.Logger, metrics *telemetry.Metrics) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{store: store, logger: logger, metrics: metrics, levels: make(map[string]Level)}
}

// Check classifies the agent's consumption. Allowed is false exactly when
// TokenUsed >= TokenAllocation.
func Check(agent *models.Agent) Result {
	used, alloc := agent.TokenUsed, agent.TokenAllocation
	switch {
	case used >= alloc:
		return Result{Allowed: false, Level: LevelExhausted}
	case used*100 >= alloc*95:
		return Result{Allowed: true, Level: LevelWarn95}
	case used*100 >= alloc*90:
		return Result{Allowed: true, Level: LevelWarn90}
	default:
		return Result{Allowed: true, Level: LevelOK}
	}
}

// Remaining returns the tokens left before exhaustion, never negative.
func Remaining(agent *models.Agent) int64 {
	if rem := agent.TokenAllocation - agent.TokenUsed; rem > 0 {
		return rem
	}
	return 0
}

// Check classifies the agent's consumption. A warning is logged and counted
// when the agent enters warn90 or warn95, not on every check.
func (e *Enforcer) Check(ctx context.Context, agent *models.Agent) Result {
	res := Check(agent)
	if !e.transition(agent.ID, res.Level) {
		return res
	}
	if res.Level == LevelWarn90 || res.Level == LevelWarn95 {
		e.logger.Warn("token budget nearly spent",
			"agent_id", agent.ID, "level", res.Level,
			"token_used", agent.TokenUsed, "token_allocation", agent.TokenAllocation)
		e.metrics.BudgetWarning(ctx, agent.ID, string(res.Level))
	}
	return res
}

// transition stores level as the agent's current level and reports whether
// it differs from the previous one.
func (e *Enforcer) transition(agentID string, level Level) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, seen := e.levels[agentID]
	e.levels[agentID] = level
	return !seen || prev != level
}

// RecordUsage adds delta tokens to the agent's consumption and returns the
// stored agent. The sum is clamped at zero; usage past the allocation is
// recorded in full.
func (e *Enforcer) RecordUsage(ctx context.Context, agent *models.Agent, delta int64) (*models.Agent, error) {
	updated, err := e.store.AddTokenUsage(ctx, agent.ID, delta)
	if err != nil {
		return nil, fmt.Errorf("record usage for agent %s: %w", agent.ID, err)
	}
	e.metrics.Tokens(ctx, agent.ID, delta)

	before, after := Check(agent).Level, Check(updated).Level
	if after != before {
		e.logger.Info("token budget level changed",
			"agent_id", agent.ID, "from", before, "to", after,
			"token_used", updated.TokenUsed, "token_allocation", updated.TokenAllocation)
	}
	return updated, nil
}
