package delegation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/cadre/internal/connectors/mock"
	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/status"
	"github.com/fentz26/cadre/internal/store"
)

var _ Store = (*store.Store)(nil)
var _ Escalator = (*status.Manager)(nil)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func verdict(content string) *mock.Connector {
	return mock.New(func(string) (string, error) { return content, nil })
}

func newAgent(t *testing.T, st *store.Store, name, seniorID string) *models.Agent {
	t.Helper()
	agent, err := st.CreateAgent(context.Background(), models.AgentDraft{
		Name: name, Role: "engineer", SeniorID: seniorID, TokenAllocation: 1000,
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return agent
}

func giveWork(t *testing.T, st *store.Store, agentID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := st.CreateTask(context.Background(), models.TaskDraft{Title: "busy", AssignedToID: agentID}); err != nil {
			t.Fatal(err)
		}
	}
}

func subordinatesOf(t *testing.T, st *store.Store, id string) []models.Agent {
	t.Helper()
	subs, err := st.ListSubordinates(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return subs
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		content  string
		delegate bool
		ok       bool
	}{
		{"DELEGATE", true, true},
		{"  delegate.\nbecause the team is idle", true, true},
		{"**EXECUTE**", false, true},
		{"\n\nExecute", false, true},
		{"DELEGATE or EXECUTE", false, false},
		{"do not delegate", false, false},
		{"maybe", false, false},
		{"", false, false},
		{"   \n  ", false, false},
		{"I think we should hand it off\nDELEGATE", false, false},
	}
	for _, tt := range tests {
		delegate, ok := ParseVerdict(tt.content)
		if delegate != tt.delegate || ok != tt.ok {
			t.Errorf("ParseVerdict(%q) = (%v, %v), want (%v, %v)", tt.content, delegate, ok, tt.delegate, tt.ok)
		}
	}
}

func TestAssess_NoSubordinates(t *testing.T) {
	st := newTestStore(t)
	llm := verdict("DELEGATE")
	e := New(st, llm, Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	d := e.Assess(context.Background(), lead, &models.Task{ID: "t1"}, nil)
	if d.ShouldDelegate {
		t.Error("Expected no delegation without subordinates")
	}
	if llm.Calls() != 0 {
		t.Errorf("Expected no completion call, got %d", llm.Calls())
	}
}

func TestAssess_NeverSelectsPaused(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	llm := verdict("DELEGATE")
	e := New(st, llm, Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	paused := newAgent(t, st, "paused", lead.ID)
	if _, err := st.UpdateAgent(ctx, paused.ID, models.AgentPatch{Status: models.AgentStatusPtr(models.AgentStatusPaused)}); err != nil {
		t.Fatal(err)
	}

	d := e.Assess(ctx, lead, &models.Task{ID: "t1"}, subordinatesOf(t, st, lead.ID))
	if d.ShouldDelegate {
		t.Errorf("Expected no delegation to a paused subordinate, got %+v", d)
	}

	active := newAgent(t, st, "active", lead.ID)
	d = e.Assess(ctx, lead, &models.Task{ID: "t1"}, subordinatesOf(t, st, lead.ID))
	if !d.ShouldDelegate || d.SubordinateID != active.ID {
		t.Errorf("Expected delegation to %s, got %+v", active.ID, d)
	}
}

func TestAssess_PicksLowestWorkload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3})

	lead := newAgent(t, st, "B", "")
	loads := map[string]int{}
	var lightest string
	for i, n := range []int{4, 2, 5} {
		sub := newAgent(t, st, string(rune('x'+i)), lead.ID)
		giveWork(t, st, sub.ID, n)
		loads[sub.ID] = n
		if n == 2 {
			lightest = sub.ID
		}
	}

	d := e.Assess(ctx, lead, &models.Task{ID: "t1", Title: "ship it"}, subordinatesOf(t, st, lead.ID))
	if !d.ShouldDelegate {
		t.Fatalf("Expected delegation, got %+v", d)
	}
	if d.SubordinateID != lightest {
		t.Errorf("Expected subordinate with workload 2, got workload %d", loads[d.SubordinateID])
	}
	if d.TokensUsed == 0 {
		t.Error("Expected verdict tokens to be reported")
	}
}

func TestAssess_AmbiguousVerdictExecutes(t *testing.T) {
	st := newTestStore(t)
	e := New(st, verdict("It depends on the deadline."), Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	newAgent(t, st, "sub", lead.ID)

	d := e.Assess(context.Background(), lead, &models.Task{ID: "t1"}, subordinatesOf(t, st, lead.ID))
	if d.ShouldDelegate {
		t.Errorf("Expected direct execution on ambiguous verdict, got %+v", d)
	}
}

func TestAssess_CompletionErrorExecutes(t *testing.T) {
	st := newTestStore(t)
	llm := mock.New(func(string) (string, error) { return "", errors.New("offline") })
	e := New(st, llm, Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	newAgent(t, st, "sub", lead.ID)

	d := e.Assess(context.Background(), lead, &models.Task{ID: "t1"}, subordinatesOf(t, st, lead.ID))
	if d.ShouldDelegate || !strings.Contains(d.Rationale, "verdict unavailable") {
		t.Errorf("Expected fail-safe execution, got %+v", d)
	}
}

func TestAssess_DepthBound(t *testing.T) {
	st := newTestStore(t)
	llm := verdict("DELEGATE")
	e := New(st, llm, Options{MaxDepth: 2})

	lead := newAgent(t, st, "lead", "")
	newAgent(t, st, "sub", lead.ID)

	d := e.Assess(context.Background(), lead, &models.Task{ID: "t1", DelegationDepth: 2}, subordinatesOf(t, st, lead.ID))
	if d.ShouldDelegate {
		t.Errorf("Expected no delegation at depth bound, got %+v", d)
	}
	if llm.Calls() != 0 {
		t.Errorf("Expected no completion call at depth bound, got %d", llm.Calls())
	}
}

func TestSelectSubordinate_TieBreakByID(t *testing.T) {
	st := newTestStore(t)
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	a := newAgent(t, st, "a", lead.ID)
	b := newAgent(t, st, "b", lead.ID)
	want := a.ID
	if b.ID < want {
		want = b.ID
	}

	chosen, err := e.SelectSubordinate(context.Background(), subordinatesOf(t, st, lead.ID))
	if err != nil {
		t.Fatalf("SelectSubordinate failed: %v", err)
	}
	if chosen.ID != want {
		t.Errorf("Expected lowest id %s, got %s", want, chosen.ID)
	}
}

func TestSelectSubordinate_SkipsExhausted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	broke := newAgent(t, st, "broke", lead.ID)
	if _, err := st.AddTokenUsage(ctx, broke.ID, 1000); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SelectSubordinate(ctx, subordinatesOf(t, st, lead.ID)); !errors.Is(err, ErrNoEligibleSubordinate) {
		t.Errorf("Expected ErrNoEligibleSubordinate, got %v", err)
	}
}

func TestDelegate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3})

	lead := newAgent(t, st, "lead", "")
	sub := newAgent(t, st, "sub", lead.ID)
	task, _ := st.CreateTask(ctx, models.TaskDraft{
		Title: "write docs", Description: "cover the API", AssignedToID: lead.ID, Priority: models.PriorityHigh,
	})

	child, err := e.Delegate(ctx, lead, task, sub)
	if err != nil {
		t.Fatalf("Delegate failed: %v", err)
	}
	if child.ID == task.ID {
		t.Fatal("Expected a new task, not a mutation of the original")
	}
	if child.AssignedToID != sub.ID || child.CreatedByID != lead.ID {
		t.Errorf("Unexpected child routing %+v", child)
	}
	if child.Kind != models.TaskKindDelegation || child.ParentTaskID != task.ID || child.DelegationDepth != 1 {
		t.Errorf("Unexpected child metadata %+v", child)
	}
	if child.Priority != models.PriorityHigh {
		t.Errorf("Expected inherited priority, got %s", child.Priority)
	}
	if !strings.Contains(child.Description, "delegated_from_task_id: "+task.ID) {
		t.Errorf("Expected description to reference original, got %q", child.Description)
	}

	stored, _ := st.GetTask(ctx, task.ID)
	if stored.Status != models.TaskStatusInProgress {
		t.Errorf("Expected original in-progress, got %s", stored.Status)
	}
	if stored.Result == nil || !strings.Contains(*stored.Result, sub.ID) {
		t.Errorf("Expected delegate noted on original, got %v", stored.Result)
	}

	found, err := e.Delegated(ctx, task.ID)
	if err != nil || found == nil || found.ID != child.ID {
		t.Errorf("Expected Delegated to find %s, got %+v (%v)", child.ID, found, err)
	}
}

func TestFollow_Completed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3, Timeout: time.Second, PollInterval: 10 * time.Millisecond})

	lead := newAgent(t, st, "lead", "")
	sub := newAgent(t, st, "sub", lead.ID)
	task, _ := st.CreateTask(ctx, models.TaskDraft{Title: "t", AssignedToID: lead.ID})
	child, _ := e.Delegate(ctx, lead, task, sub)

	go func() {
		time.Sleep(30 * time.Millisecond)
		st.UpdateTask(context.Background(), child.ID, models.TaskPatch{
			Status: models.StatusPtr(models.TaskStatusCompleted),
			Result: models.StringPtr("docs written"),
		})
	}()

	if err := e.Follow(ctx, lead, task, child); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	stored, _ := st.GetTask(ctx, task.ID)
	if stored.Status != models.TaskStatusCompleted || stored.CompletedAt == nil {
		t.Errorf("Expected original completed with completed_at, got %s %v", stored.Status, stored.CompletedAt)
	}
	if stored.Result == nil || *stored.Result != "docs written" {
		t.Errorf("Expected child's result, got %v", stored.Result)
	}
}

func TestFollow_ChildFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3, Timeout: time.Second, PollInterval: 10 * time.Millisecond})

	lead := newAgent(t, st, "lead", "")
	sub := newAgent(t, st, "sub", lead.ID)
	task, _ := st.CreateTask(ctx, models.TaskDraft{Title: "t", AssignedToID: lead.ID})
	child, _ := e.Delegate(ctx, lead, task, sub)
	st.UpdateTask(ctx, child.ID, models.TaskPatch{
		Status: models.StatusPtr(models.TaskStatusFailed),
		Result: models.StringPtr("Error: provider down"),
	})

	if err := e.Follow(ctx, lead, task, child); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	stored, _ := st.GetTask(ctx, task.ID)
	if stored.Status != models.TaskStatusFailed {
		t.Errorf("Expected original failed, got %s", stored.Status)
	}
	if stored.Result == nil || !strings.HasPrefix(*stored.Result, "Error: ") {
		t.Errorf("Expected error result, got %v", stored.Result)
	}
}

func TestFollow_TimeoutBlocksAndEscalates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	senior := newAgent(t, st, "senior", "")
	lead := newAgent(t, st, "lead", senior.ID)
	sub := newAgent(t, st, "sub", lead.ID)

	sm := status.New(st, status.Options{})
	e := New(st, verdict("DELEGATE"), Options{
		MaxDepth: 3, Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond, Escalator: sm,
	})

	task, _ := st.CreateTask(ctx, models.TaskDraft{Title: "t", AssignedToID: lead.ID})
	child, _ := e.Delegate(ctx, lead, task, sub)

	if err := e.Follow(ctx, lead, task, child); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	stored, _ := st.GetTask(ctx, task.ID)
	if stored.Status != models.TaskStatusBlocked {
		t.Errorf("Expected original blocked, got %s", stored.Status)
	}
	untouched, _ := st.GetTask(ctx, child.ID)
	if untouched.Status != models.TaskStatusPending {
		t.Errorf("Expected delegated task left as-is, got %s", untouched.Status)
	}
	escalations, _ := st.FindTasks(ctx, models.TaskFilter{AssignedToID: senior.ID, Kind: models.TaskKindEscalation})
	if len(escalations) != 1 || escalations[0].ParentTaskID != task.ID {
		t.Errorf("Expected one escalation for %s, got %+v", task.ID, escalations)
	}
	agent, _ := st.FindAgent(ctx, lead.ID)
	if agent.Status != models.AgentStatusStuck {
		t.Errorf("Expected delegating agent stuck, got %s", agent.Status)
	}
}

func TestAwait_ContextCancelled(t *testing.T) {
	st := newTestStore(t)
	e := New(st, verdict("DELEGATE"), Options{MaxDepth: 3, Timeout: time.Minute, PollInterval: 10 * time.Millisecond})

	task, _ := st.CreateTask(context.Background(), models.TaskDraft{Title: "t"})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := e.Await(ctx, task.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline, got %v", err)
	}
}
