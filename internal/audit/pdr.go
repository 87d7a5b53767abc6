// Package audit provides PDR (Process Decision Record) writing for Cadre.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/cadre/internal/models"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, agentID, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer. A nil sink makes Record a no-op.
func NewPDRWriter(sink Sink, logger *slog.Logger) *PDRWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDRWriter{sink: sink, logger: logger}
}

// Record writes a PDR entry for an engine decision. Audit failures are
// logged and never interrupt the caller.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, agentID, taskID, details string) {
	if w == nil || w.sink == nil {
		return
	}
	if _, err := w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, agentID, taskID, details); err != nil {
		w.logger.Warn("pdr write failed", "action", action, "agent_id", agentID, "task_id", taskID, "error", err)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
