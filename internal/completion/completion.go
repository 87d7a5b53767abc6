// Package completion defines the language-model completion contract used by
// the agent execution engine.
package completion

import (
	"context"
	"fmt"
)

// Options carries per-call settings. Zero Temperature and MaxTokens mean
// "provider default".
type Options struct {
	AgentID       string
	CorrelationID string
	Temperature   float64
	MaxTokens     int
}

// Usage reports tokens consumed by one call.
type Usage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Response is the result of a completion call.
type Response struct {
	Content    string `json:"content"`
	TokensUsed Usage  `json:"tokens_used"`
}

// Service generates completions.
type Service interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// Error is returned for any provider or transport failure.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// EstimateTokens approximates token usage for providers that do not report
// it, at roughly four bytes per token.
func EstimateTokens(texts ...string) int64 {
	var n int
	for _, s := range texts {
		n += len(s)
	}
	return int64((n + 3) / 4)
}
