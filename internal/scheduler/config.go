// Package scheduler runs one execution loop per agent and processes tasks.
package scheduler

import (
	"time"

	"github.com/fentz26/cadre/internal/config"
)

// Config defines the execution engine configuration.
type Config struct {
	// PollInterval is the sleep between idle poll cycles.
	PollInterval time.Duration
	// BoredomThreshold is the idle time after which an agent becomes bored.
	BoredomThreshold time.Duration
	// DelegationTimeout bounds the wait for a delegated task.
	DelegationTimeout time.Duration
	// DelegationPollInterval is how often a delegated task is checked.
	DelegationPollInterval time.Duration
	// ErrorRetryDelay is the backoff after a failed cycle.
	ErrorRetryDelay time.Duration
	// MaxConcurrentAgents is the soft cap on running loops.
	MaxConcurrentAgents int
	// MaxDelegationDepth is how many times a task may be handed down.
	MaxDelegationDepth int
	// MaxHierarchyDepth bounds the senior chain walk.
	MaxHierarchyDepth int
	// CompletionReports sends a report task to the senior on success.
	CompletionReports bool

	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:           30 * time.Second,
		BoredomThreshold:       15 * time.Minute,
		DelegationTimeout:      5 * time.Minute,
		DelegationPollInterval: 5 * time.Second,
		ErrorRetryDelay:        10 * time.Second,
		MaxConcurrentAgents:    20,
		MaxDelegationDepth:     3,
		MaxHierarchyDepth:      16,
		CompletionReports:      true,
		Temperature:            0.7,
		MaxTokens:              2048,
	}
}

// ConfigFrom converts the engine section of the daemon configuration.
func ConfigFrom(e config.Engine) *Config {
	cfg := DefaultConfig()
	cfg.PollInterval = e.PollInterval
	cfg.BoredomThreshold = e.BoredomThreshold
	cfg.DelegationTimeout = e.DelegationTimeout
	cfg.ErrorRetryDelay = e.ErrorRetryDelay
	cfg.MaxConcurrentAgents = e.MaxConcurrentAgents
	cfg.MaxDelegationDepth = e.MaxDelegationDepth
	cfg.MaxHierarchyDepth = e.MaxHierarchyDepth
	cfg.CompletionReports = e.CompletionReports
	cfg.Temperature = e.Temperature
	cfg.MaxTokens = e.MaxTokens
	if p := e.PollInterval / 6; p > 0 && p < cfg.DelegationPollInterval {
		cfg.DelegationPollInterval = p
	}
	return cfg
}
