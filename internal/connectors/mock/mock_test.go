package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/cadre/internal/completion"
	"github.com/fentz26/cadre/internal/connectors"
)

var _ connectors.Connector = (*Connector)(nil)

func TestGenerate_Echo(t *testing.T) {
	c := New(nil)
	resp, err := c.Generate(context.Background(), "Task: write docs\nmore", completion.Options{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "Done: Task: write docs" {
		t.Errorf("Unexpected content %q", resp.Content)
	}
	if resp.TokensUsed.Total != resp.TokensUsed.Prompt+resp.TokensUsed.Completion || resp.TokensUsed.Total == 0 {
		t.Errorf("Unexpected usage %+v", resp.TokensUsed)
	}
	if c.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", c.Calls())
	}
}

func TestGenerate_Error(t *testing.T) {
	c := New(func(string) (string, error) { return "", errors.New("offline") })
	_, err := c.Generate(context.Background(), "x", completion.Options{})
	var cerr *completion.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *completion.Error, got %v", err)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(nil)
	if _, err := c.Generate(ctx, "x", completion.Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if c.Calls() != 0 {
		t.Errorf("Expected no call counted, got %d", c.Calls())
	}
}
