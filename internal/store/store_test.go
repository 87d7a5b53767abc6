package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/cadre/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	senior, err := s.CreateAgent(ctx, models.AgentDraft{Name: "Lead", Role: "manager", TokenAllocation: 1000})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if senior.Status != models.AgentStatusActive {
		t.Errorf("Expected status active, got %s", senior.Status)
	}

	junior, err := s.CreateAgent(ctx, models.AgentDraft{Name: "Dev", Role: "engineer", SeniorID: senior.ID, TokenAllocation: 500})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.FindAgent(ctx, junior.ID)
	if err != nil {
		t.Fatalf("FindAgent failed: %v", err)
	}
	if got.SeniorID != senior.ID {
		t.Errorf("Expected senior %s, got %s", senior.ID, got.SeniorID)
	}

	missing, err := s.FindAgent(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing agent, got %v, %v", missing, err)
	}

	subs, err := s.ListSubordinates(ctx, senior.ID)
	if err != nil {
		t.Fatalf("ListSubordinates failed: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != junior.ID {
		t.Errorf("Expected [%s], got %v", junior.ID, subs)
	}

	updated, err := s.UpdateAgent(ctx, junior.ID, models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusPaused)})
	if err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}
	if updated.Status != models.AgentStatusPaused {
		t.Errorf("Expected paused, got %s", updated.Status)
	}
	if updated.TokenAllocation != 500 {
		t.Errorf("Patch touched token_allocation: %d", updated.TokenAllocation)
	}

	if _, err := s.UpdateAgent(ctx, "nope", models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusActive)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAddTokenUsage(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	agent, _ := s.CreateAgent(ctx, models.AgentDraft{Name: "A", TokenAllocation: 100})

	got, err := s.AddTokenUsage(ctx, agent.ID, 150)
	if err != nil {
		t.Fatalf("AddTokenUsage failed: %v", err)
	}
	if got.TokenUsed != 150 {
		t.Errorf("Expected overflow to be recorded as 150, got %d", got.TokenUsed)
	}

	got, _ = s.AddTokenUsage(ctx, agent.ID, -1000)
	if got.TokenUsed != 0 {
		t.Errorf("Expected usage clamped at 0, got %d", got.TokenUsed)
	}
}

func TestAddTokenUsage_Concurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	agent, _ := s.CreateAgent(ctx, models.AgentDraft{Name: "A", TokenAllocation: 100000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddTokenUsage(ctx, agent.ID, 10); err != nil {
				t.Errorf("AddTokenUsage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.FindAgent(ctx, agent.ID)
	if got.TokenUsed != 200 {
		t.Errorf("Expected 200 tokens after concurrent adds, got %d", got.TokenUsed)
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Create
	task, err := s.CreateTask(ctx, models.TaskDraft{Title: "Test Task", Description: "Test Description", AssignedToID: "a1"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" {
		t.Error("Task ID should not be empty")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("Expected status pending, got %s", task.Status)
	}
	if task.Priority != models.PriorityMedium || task.Kind != models.TaskKindWork {
		t.Errorf("Expected defaults medium/work, got %s/%s", task.Priority, task.Kind)
	}

	// Get
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "Test Task" {
		t.Errorf("Expected title 'Test Task', got %s", got.Title)
	}

	// List with filter
	tasks, err := s.FindTasks(ctx, models.TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusPending}})
	if err != nil {
		t.Fatalf("FindTasks with filter failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("Expected 1 pending task, got %d", len(tasks))
	}

	tasks, _ = s.FindTasks(ctx, models.TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusCompleted}})
	if len(tasks) != 0 {
		t.Errorf("Expected 0 completed tasks, got %d", len(tasks))
	}
}

func TestUpdateTask_CompletedAtInvariant(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, models.TaskDraft{Title: "T"})
	if task.CompletedAt != nil {
		t.Fatal("New task should not have completed_at")
	}

	got, err := s.UpdateTask(ctx, task.ID, models.TaskPatch{
		Status: models.StatusPtr(models.TaskStatusCompleted),
		Result: models.StringPtr("done"),
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("completed task must have completed_at")
	}
	if got.Result == nil || *got.Result != "done" {
		t.Errorf("Expected result 'done', got %v", got.Result)
	}

	got, _ = s.UpdateTask(ctx, task.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusFailed)})
	if got.CompletedAt != nil {
		t.Error("non-completed task must not have completed_at")
	}

	// Patching another field leaves status and result alone.
	got, _ = s.UpdateTask(ctx, task.ID, models.TaskPatch{AssignedToID: models.StringPtr("a2")})
	if got.Status != models.TaskStatusFailed || got.AssignedToID != "a2" {
		t.Errorf("Unexpected task after assignment patch: %+v", got)
	}
	if got.Result == nil || *got.Result != "done" {
		t.Error("Assignment patch clobbered result")
	}
}

func TestFindTasks_Ordering(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	lowOld, _ := s.CreateTask(ctx, models.TaskDraft{Title: "low", AssignedToID: "a", Priority: models.PriorityLow})
	highOld, _ := s.CreateTask(ctx, models.TaskDraft{Title: "high-1", AssignedToID: "a", Priority: models.PriorityHigh})
	urgent, _ := s.CreateTask(ctx, models.TaskDraft{Title: "urgent", AssignedToID: "a", Priority: models.PriorityUrgent})
	highNew, _ := s.CreateTask(ctx, models.TaskDraft{Title: "high-2", AssignedToID: "a", Priority: models.PriorityHigh})
	_, _ = s.CreateTask(ctx, models.TaskDraft{Title: "other", AssignedToID: "b", Priority: models.PriorityUrgent})

	tasks, err := s.FindTasks(ctx, models.TaskFilter{AssignedToID: "a", Statuses: []models.TaskStatus{models.TaskStatusPending}})
	if err != nil {
		t.Fatalf("FindTasks failed: %v", err)
	}

	want := []string{urgent.ID, highOld.ID, highNew.ID, lowOld.ID}
	if len(tasks) != len(want) {
		t.Fatalf("Expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s (%s)", i, id, tasks[i].ID, tasks[i].Title)
		}
	}
}

func TestCountOpenTasks(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	a, _ := s.CreateTask(ctx, models.TaskDraft{Title: "a", AssignedToID: "x"})
	_, _ = s.CreateTask(ctx, models.TaskDraft{Title: "b", AssignedToID: "x"})
	c, _ := s.CreateTask(ctx, models.TaskDraft{Title: "c", AssignedToID: "x"})
	_, _ = s.UpdateTask(ctx, a.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusInProgress)})
	_, _ = s.UpdateTask(ctx, c.ID, models.TaskPatch{Status: models.StatusPtr(models.TaskStatusCompleted)})

	n, err := s.CountOpenTasks(ctx, "x")
	if err != nil {
		t.Fatalf("CountOpenTasks failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 open tasks, got %d", n)
	}
}

func TestWriteAndListPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.WritePDR(ctx, "agent.escalate", "hash", "success", "a1", "t1", "stuck"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	entries, err := s.ListPDR(ctx, "a1")
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "agent.escalate" || entries[0].TaskID != "t1" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestUpdateAgent_KeepPaused(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, models.AgentDraft{Name: "worker", TokenAllocation: 100})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.UpdateAgent(ctx, agent.ID, models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusStuck), KeepPaused: true})
	if err != nil || got.Status != models.AgentStatusStuck {
		t.Fatalf("Expected stuck on an active agent, got %v, %v", got, err)
	}

	if _, err := s.UpdateAgent(ctx, agent.ID, models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusPaused)}); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	got, err = s.UpdateAgent(ctx, agent.ID, models.AgentPatch{
		Status:       models.AgentStatusPtr(models.AgentStatusActive),
		LastActiveAt: &stamp,
		KeepPaused:   true,
	})
	if err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}
	if got.Status != models.AgentStatusPaused {
		t.Errorf("Expected paused to be kept, got %s", got.Status)
	}
	if !got.LastActiveAt.Equal(stamp) {
		t.Errorf("Expected other fields written, got last_active_at %v", got.LastActiveAt)
	}
}
