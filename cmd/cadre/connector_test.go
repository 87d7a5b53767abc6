package main

import (
	"strings"
	"testing"
	"time"

	"github.com/fentz26/cadre/internal/config"
	"github.com/fentz26/cadre/internal/resilience"
)

func TestNewConnector(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Completion
		want    string
		wantErr string
	}{
		{name: "default", cfg: config.Completion{}, want: "mock"},
		{name: "mock", cfg: config.Completion{Connector: "mock"}, want: "mock"},
		{name: "httpllm", cfg: config.Completion{Connector: "httpllm", BaseURL: "http://localhost:1", Model: "m"}, want: "httpllm"},
		{name: "httpllm without url", cfg: config.Completion{Connector: "httpllm"}, wantErr: "base_url"},
		{name: "localexec", cfg: config.Completion{Connector: "localexec", Command: "cat"}, want: "localexec"},
		{name: "localexec without command", cfg: config.Completion{Connector: "localexec"}, wantErr: "command"},
		{name: "unknown", cfg: config.Completion{Connector: "carrier-pigeon"}, wantErr: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.MaxFailures = 3
			tt.cfg.OpenTimeout = time.Second
			c, err := newConnector(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("newConnector failed: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("Expected connector %q, got %q", tt.want, c.Name())
			}
			if c.BreakerState() != resilience.StateClosed {
				t.Errorf("Expected closed breaker, got %s", c.BreakerState())
			}
		})
	}
}
