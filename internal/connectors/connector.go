// Package connectors defines the completion connector interface for Cadre.
package connectors

import (
	"context"
	"errors"

	"github.com/fentz26/cadre/internal/completion"
	"github.com/fentz26/cadre/internal/resilience"
)

// Connector is a named completion provider.
type Connector interface {
	completion.Service

	// Name returns the connector identifier.
	Name() string
}

// Guarded wraps a Connector with a circuit breaker. An open breaker
// surfaces as a *completion.Error so callers treat it as any provider failure.
type Guarded struct {
	inner   Connector
	breaker *resilience.Breaker
}

// Guard wraps c with breaker.
func Guard(c Connector, breaker *resilience.Breaker) *Guarded {
	return &Guarded{inner: c, breaker: breaker}
}

// Name returns the wrapped connector's name.
func (g *Guarded) Name() string {
	return g.inner.Name()
}

// Generate calls the wrapped connector through the breaker.
func (g *Guarded) Generate(ctx context.Context, prompt string, opts completion.Options) (*completion.Response, error) {
	var resp *completion.Response
	err := g.breaker.Execute(func() error {
		var err error
		resp, err = g.inner.Generate(ctx, prompt, opts)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &completion.Error{Provider: g.inner.Name(), Message: "provider temporarily disabled", Err: err}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BreakerState reports the state of the guarding breaker.
func (g *Guarded) BreakerState() resilience.State {
	return g.breaker.State()
}
