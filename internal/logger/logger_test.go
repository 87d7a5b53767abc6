package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fentz26/cadre/internal/config"
)

func TestNewWithWriter_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.Logging{Level: "info", Format: "json", Service: "cadre-test"}, &buf)
	log.Info("hello", "agent_id", "a1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["service"] != "cadre-test" || rec["agent_id"] != "a1" {
		t.Errorf("Unexpected record: %v", rec)
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.Logging{Level: "warn", Format: "text"}, &buf)
	log.Info("quiet")
	log.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "" {
		t.Errorf("Expected empty id, got %q", got)
	}
	ctx = WithCorrelationID(ctx, "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Errorf("Expected corr-1, got %q", got)
	}
}
