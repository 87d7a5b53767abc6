package main

import (
	"fmt"

	"github.com/fentz26/cadre/internal/config"
	"github.com/fentz26/cadre/internal/connectors"
	"github.com/fentz26/cadre/internal/connectors/httpllm"
	"github.com/fentz26/cadre/internal/connectors/localexec"
	"github.com/fentz26/cadre/internal/connectors/mock"
	"github.com/fentz26/cadre/internal/resilience"
)

// newConnector builds the configured completion connector behind a
// circuit breaker.
func newConnector(cfg config.Completion) (*connectors.Guarded, error) {
	var c connectors.Connector
	switch cfg.Connector {
	case "", "mock":
		c = mock.New(nil)
	case "httpllm":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("completion.base_url is required for the httpllm connector")
		}
		c = httpllm.New(httpllm.Config{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKeyEnv: cfg.APIKeyEnv,
			Timeout:   cfg.Timeout,
		})
	case "localexec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("completion.command is required for the localexec connector")
		}
		c = localexec.New("", cfg.Command, cfg.Args)
	default:
		return nil, fmt.Errorf("unknown completion connector %q", cfg.Connector)
	}
	return connectors.Guard(c, resilience.NewBreaker(cfg.MaxFailures, cfg.OpenTimeout)), nil
}
