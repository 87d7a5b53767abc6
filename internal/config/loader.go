package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "cadre.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Listen, "CADRE_LISTEN")
	setString(&cfg.Store.Path, "CADRE_DB")

	setDuration(&cfg.Engine.PollInterval, "CADRE_POLL_INTERVAL")
	setDuration(&cfg.Engine.BoredomThreshold, "CADRE_BOREDOM_THRESHOLD")
	setDuration(&cfg.Engine.DelegationTimeout, "CADRE_DELEGATION_TIMEOUT")
	setDuration(&cfg.Engine.ErrorRetryDelay, "CADRE_ERROR_RETRY_DELAY")
	setInt(&cfg.Engine.MaxConcurrentAgents, "CADRE_MAX_CONCURRENT_AGENTS")
	setInt(&cfg.Engine.MaxDelegationDepth, "CADRE_MAX_DELEGATION_DEPTH")
	setInt(&cfg.Engine.MaxHierarchyDepth, "CADRE_MAX_HIERARCHY_DEPTH")
	setBool(&cfg.Engine.CompletionReports, "CADRE_COMPLETION_REPORTS")

	setString(&cfg.Completion.Connector, "CADRE_CONNECTOR")
	setString(&cfg.Completion.BaseURL, "CADRE_LLM_BASE_URL")
	setString(&cfg.Completion.Model, "CADRE_LLM_MODEL")
	setString(&cfg.Completion.APIKeyEnv, "CADRE_LLM_API_KEY_ENV")
	setDuration(&cfg.Completion.Timeout, "CADRE_LLM_TIMEOUT")

	setString(&cfg.Logging.Level, "CADRE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "CADRE_LOG_FORMAT")

	setString(&cfg.Events.NATSURL, "NATS_URL")
	setBool(&cfg.Telemetry.Enabled, "CADRE_TELEMETRY")
}

func validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if cfg.Engine.PollInterval <= 0 {
		return errors.New("engine.poll_interval must be positive")
	}
	if cfg.Engine.BoredomThreshold <= 0 {
		return errors.New("engine.boredom_threshold must be positive")
	}
	if cfg.Engine.DelegationTimeout <= 0 {
		return errors.New("engine.delegation_timeout must be positive")
	}
	if cfg.Engine.ErrorRetryDelay <= 0 {
		return errors.New("engine.error_retry_delay must be positive")
	}
	if cfg.Engine.MaxConcurrentAgents < 1 {
		return errors.New("engine.max_concurrent_agents must be >= 1")
	}
	if cfg.Engine.MaxDelegationDepth < 0 {
		return errors.New("engine.max_delegation_depth must be >= 0")
	}
	if cfg.Engine.MaxHierarchyDepth < 1 {
		return errors.New("engine.max_hierarchy_depth must be >= 1")
	}
	switch cfg.Completion.Connector {
	case "httpllm", "localexec", "mock":
	default:
		return fmt.Errorf("completion.connector %q is not one of httpllm, localexec, mock", cfg.Completion.Connector)
	}
	if cfg.Completion.Connector == "localexec" && cfg.Completion.Command == "" {
		return errors.New("completion.command is required for the localexec connector")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
