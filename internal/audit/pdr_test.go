package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/cadre/internal/models"
)

var _ Sink = (*recordingSink)(nil)

type recordingSink struct {
	entries []models.PDREntry
	err     error
}

func (r *recordingSink) WritePDR(_ context.Context, action, inputsHash, outcome, agentID, taskID, details string) (*models.PDREntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, AgentID: agentID, TaskID: taskID, Details: details}
	r.entries = append(r.entries, e)
	return &e, nil
}

func TestRecord_HashesInputs(t *testing.T) {
	sink := &recordingSink{}
	w := NewPDRWriter(sink, nil)

	w.Record(context.Background(), "task.delegate", map[string]string{"to": "b"}, "success", "a", "t", "")
	w.Record(context.Background(), "task.delegate", map[string]string{"to": "b"}, "success", "a", "t", "")

	if len(sink.entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(sink.entries))
	}
	if sink.entries[0].InputsHash != sink.entries[1].InputsHash {
		t.Error("Identical inputs should hash identically")
	}
	if len(sink.entries[0].InputsHash) != 64 {
		t.Errorf("Expected hex sha256, got %q", sink.entries[0].InputsHash)
	}
}

func TestRecord_SinkErrorIsSwallowed(t *testing.T) {
	w := NewPDRWriter(&recordingSink{err: errors.New("disk full")}, nil)
	w.Record(context.Background(), "x", nil, "success", "", "", "")

	var nilWriter *PDRWriter
	nilWriter.Record(context.Background(), "x", nil, "success", "", "", "")
}

func TestHashInputs_Unmarshalable(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("Expected hash_error, got %s", got)
	}
}
