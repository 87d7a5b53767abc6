// Package mock provides a deterministic offline completion connector.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fentz26/cadre/internal/completion"
)

// Connector answers every prompt locally. The zero value is not usable; use New.
type Connector struct {
	mu      sync.Mutex
	respond func(prompt string) (string, error)
	calls   int
}

// New creates a mock connector. A nil respond echoes the first line of the
// prompt back as the result.
func New(respond func(prompt string) (string, error)) *Connector {
	if respond == nil {
		respond = echo
	}
	return &Connector{respond: respond}
}

// Name returns the connector identifier.
func (c *Connector) Name() string {
	return "mock"
}

// Generate returns the configured response with estimated token usage.
func (c *Connector) Generate(ctx context.Context, prompt string, opts completion.Options) (*completion.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &completion.Error{Provider: c.Name(), Err: err}
	}

	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	content, err := c.respond(prompt)
	if err != nil {
		return nil, &completion.Error{Provider: c.Name(), Err: err}
	}

	promptTokens := completion.EstimateTokens(prompt)
	completionTokens := completion.EstimateTokens(content)
	return &completion.Response{
		Content: content,
		TokensUsed: completion.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
	}, nil
}

// Calls reports how many times Generate was invoked.
func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func echo(prompt string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	return fmt.Sprintf("Done: %s", line), nil
}
