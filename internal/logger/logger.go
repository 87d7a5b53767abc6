// Package logger provides structured logging setup for Cadre.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fentz26/cadre/internal/config"
)

// New creates a *slog.Logger from the given Logging config writing to stderr.
func New(cfg config.Logging) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter creates a *slog.Logger writing to w. Every record carries a
// "service" attribute.
func NewWithWriter(cfg config.Logging, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", cfg.Service)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

var correlationIDKey = contextKey{}

// WithCorrelationID returns a new context carrying the correlation ID of a
// processing cycle.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID from ctx, or "" if none is set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
