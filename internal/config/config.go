// Package config provides hierarchical configuration loading for Cadre.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all runtime configuration for the Cadre daemon.
type Config struct {
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Engine     Engine     `yaml:"engine"`
	Completion Completion `yaml:"completion"`
	Logging    Logging    `yaml:"logging"`
	Events     Events     `yaml:"events"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Server holds HTTP control plane configuration.
type Server struct {
	Listen string `yaml:"listen"`
}

// Store holds SQLite configuration.
type Store struct {
	Path string `yaml:"path"`
}

// Engine holds agent execution engine configuration.
type Engine struct {
	PollInterval        time.Duration `yaml:"poll_interval"`         // Sleep between idle poll cycles (default: 30s)
	BoredomThreshold    time.Duration `yaml:"boredom_threshold"`     // Idle time before an agent is bored (default: 15m)
	DelegationTimeout   time.Duration `yaml:"delegation_timeout"`    // Wait for a delegated task (default: 5m)
	ErrorRetryDelay     time.Duration `yaml:"error_retry_delay"`     // Backoff after a failed cycle (default: 10s)
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents"` // Soft cap on running loops (default: 20)
	MaxDelegationDepth  int           `yaml:"max_delegation_depth"`  // Delegation hops before forced execution (default: 3)
	MaxHierarchyDepth   int           `yaml:"max_hierarchy_depth"`   // Senior chain walk bound (default: 16)
	CompletionReports   bool          `yaml:"completion_reports"`    // Report finished work to the senior (default: true)
	Temperature         float64       `yaml:"temperature"`
	MaxTokens           int           `yaml:"max_tokens"`
}

// Completion selects and configures the completion connector.
type Completion struct {
	Connector   string        `yaml:"connector"` // "httpllm" | "localexec" | "mock"
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	Command     string        `yaml:"command"` // localexec only
	Args        []string      `yaml:"args"`    // localexec only
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "json" | "text"
	Service string `yaml:"service"`
}

// Events holds NATS event publishing configuration. Empty URL disables it.
type Events struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Telemetry controls OpenTelemetry instrumentation of the engine.
type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Defaults returns a Config with every option set to its default.
func Defaults() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		Server: Server{Listen: "127.0.0.1:7466"},
		Store:  Store{Path: filepath.Join(homeDir, ".cadre", "cadre.db")},
		Engine: Engine{
			PollInterval:        30 * time.Second,
			BoredomThreshold:    15 * time.Minute,
			DelegationTimeout:   5 * time.Minute,
			ErrorRetryDelay:     10 * time.Second,
			MaxConcurrentAgents: 20,
			MaxDelegationDepth:  3,
			MaxHierarchyDepth:   16,
			CompletionReports:   true,
			Temperature:         0.7,
			MaxTokens:           2048,
		},
		Completion: Completion{
			Connector:   "mock",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Timeout:     120 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Logging:   Logging{Level: "info", Format: "json", Service: "cadre"},
		Events:    Events{SubjectPrefix: "cadre"},
		Telemetry: Telemetry{Enabled: true, ServiceName: "cadre"},
	}
}
