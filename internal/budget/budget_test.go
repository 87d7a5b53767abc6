package budget

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/store"
)

var _ Store = (*store.Store)(nil)

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		used, alloc int64
		allowed     bool
		level       Level
	}{
		{"fresh", 0, 100, true, LevelOK},
		{"below warn", 89, 100, true, LevelOK},
		{"warn90", 90, 100, true, LevelWarn90},
		{"warn95", 95, 100, true, LevelWarn95},
		{"one left", 99, 100, true, LevelWarn95},
		{"exact", 100, 100, false, LevelExhausted},
		{"overflow", 140, 100, false, LevelExhausted},
		{"zero allocation", 0, 0, false, LevelExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(&models.Agent{TokenUsed: tt.used, TokenAllocation: tt.alloc})
			if res.Allowed != tt.allowed || res.Level != tt.level {
				t.Errorf("Check(%d/%d) = %+v, want allowed=%v level=%s", tt.used, tt.alloc, res, tt.allowed, tt.level)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	if got := Remaining(&models.Agent{TokenUsed: 30, TokenAllocation: 100}); got != 70 {
		t.Errorf("Expected 70, got %d", got)
	}
	if got := Remaining(&models.Agent{TokenUsed: 130, TokenAllocation: 100}); got != 0 {
		t.Errorf("Expected 0 after overflow, got %d", got)
	}
}

func newTestEnforcer(t *testing.T) (*Enforcer, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil, nil), st
}

func TestRecordUsage_OverflowIsRecorded(t *testing.T) {
	e, st := newTestEnforcer(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, models.AgentDraft{Name: "worker", TokenAllocation: 100})
	if err != nil {
		t.Fatal(err)
	}

	agent, err = e.RecordUsage(ctx, agent, 80)
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if Check(agent).Level != LevelOK {
		t.Errorf("Expected ok at 80/100, got %s", Check(agent).Level)
	}

	agent, err = e.RecordUsage(ctx, agent, 50)
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if agent.TokenUsed != 130 {
		t.Errorf("Expected overflow recorded as 130, got %d", agent.TokenUsed)
	}
	if res := e.Check(ctx, agent); res.Allowed || res.Level != LevelExhausted {
		t.Errorf("Expected exhausted, got %+v", res)
	}
}

func TestRecordUsage_ClampsAtZero(t *testing.T) {
	e, st := newTestEnforcer(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, models.AgentDraft{Name: "worker", TokenAllocation: 100})
	if err != nil {
		t.Fatal(err)
	}
	agent, err = e.RecordUsage(ctx, agent, -25)
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if agent.TokenUsed != 0 {
		t.Errorf("Expected usage clamped at 0, got %d", agent.TokenUsed)
	}
}

func TestRecordUsage_UnknownAgent(t *testing.T) {
	e, _ := newTestEnforcer(t)
	_, err := e.RecordUsage(context.Background(), &models.Agent{ID: "missing"}, 5)
	if err == nil {
		t.Fatal("Expected error for unknown agent")
	}
}

func TestCheck_WarnsOnLevelTransitionsOnly(t *testing.T) {
	var buf bytes.Buffer
	e := New(nil, slog.New(slog.NewTextHandler(&buf, nil)), nil)
	ctx := context.Background()
	warnings := func() int { return strings.Count(buf.String(), "token budget nearly spent") }

	agent := &models.Agent{ID: "a1", TokenUsed: 91, TokenAllocation: 100}
	for i := 0; i < 3; i++ {
		e.Check(ctx, agent)
	}
	if n := warnings(); n != 1 {
		t.Fatalf("Expected one warning at a steady warn90, got %d", n)
	}

	agent.TokenUsed = 96
	e.Check(ctx, agent)
	e.Check(ctx, agent)
	if n := warnings(); n != 2 {
		t.Fatalf("Expected a second warning on entering warn95, got %d", n)
	}

	agent.TokenAllocation = 1000
	e.Check(ctx, agent)
	agent.TokenUsed = 950
	e.Check(ctx, agent)
	if n := warnings(); n != 3 {
		t.Errorf("Expected a new warning after returning to ok, got %d", n)
	}

	other := &models.Agent{ID: "a2", TokenUsed: 90, TokenAllocation: 100}
	e.Check(ctx, other)
	if n := warnings(); n != 4 {
		t.Errorf("Expected levels tracked per agent, got %d warnings", n)
	}
}
