// Package store provides SQLite-backed persistence for Cadre.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/cadre/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("record not found")

// Store provides access to the Cadre SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Every agent loop shares this handle; SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		senior_id TEXT,
		team_id TEXT,
		token_allocation INTEGER NOT NULL DEFAULT 0,
		token_used INTEGER NOT NULL DEFAULT 0,
		last_active_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		assigned_to_id TEXT,
		created_by_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		kind TEXT NOT NULL DEFAULT 'work',
		parent_task_id TEXT,
		delegation_depth INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		agent_id TEXT,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_senior_id ON agents(senior_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_status ON tasks(assigned_to_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_task_id ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Agent Operations ---

const agentColumns = `id, name, role, status, senior_id, team_id, token_allocation, token_used, last_active_at, created_at, updated_at`

// CreateAgent inserts a new active agent.
func (s *Store) CreateAgent(ctx context.Context, draft models.AgentDraft) (*models.Agent, error) {
	now := s.now()
	agent := &models.Agent{
		ID:              uuid.New().String(),
		Name:            draft.Name,
		Role:            draft.Role,
		Status:          models.AgentStatusActive,
		SeniorID:        draft.SeniorID,
		TeamID:          draft.TeamID,
		TokenAllocation: draft.TokenAllocation,
		LastActiveAt:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Role, agent.Status, nullString(agent.SeniorID), nullString(agent.TeamID),
		agent.TokenAllocation, agent.TokenUsed, agent.LastActiveAt, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// FindAgent retrieves an agent by ID. It returns nil, nil when no agent exists.
func (s *Store) FindAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every agent ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, id`)
}

// ListSubordinates returns the agents that report directly to seniorID.
func (s *Store) ListSubordinates(ctx context.Context, seniorID string) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE senior_id = ? ORDER BY id`, seniorID)
}

// UpdateAgent applies patch to the agent and returns the stored record.
// Only the columns named by the patch are written.
func (s *Store) UpdateAgent(ctx context.Context, id string, patch models.AgentPatch) (*models.Agent, error) {
	var sets []string
	var args []interface{}

	switch {
	case patch.Status != nil && patch.KeepPaused:
		sets = append(sets, "status = CASE WHEN status = ? THEN status ELSE ? END")
		args = append(args, models.AgentStatusPaused, *patch.Status)
	case patch.Status != nil:
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, patch.LastActiveAt.UTC())
	}
	if patch.TokenAllocation != nil {
		sets = append(sets, "token_allocation = ?")
		args = append(args, *patch.TokenAllocation)
	}
	if patch.TokenUsed != nil {
		sets = append(sets, "token_used = MAX(0, ?)")
		args = append(args, *patch.TokenUsed)
	}
	if patch.SeniorID != nil {
		sets = append(sets, "senior_id = ?")
		args = append(args, nullString(*patch.SeniorID))
	}

	if err := s.execUpdate(ctx, "agents", id, sets, args); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return s.mustFindAgent(ctx, id)
}

// AddTokenUsage atomically adds delta to token_used, clamping at zero.
func (s *Store) AddTokenUsage(ctx context.Context, id string, delta int64) (*models.Agent, error) {
	if err := s.execUpdate(ctx, "agents", id, []string{"token_used = MAX(0, token_used + ?)"}, []interface{}{delta}); err != nil {
		return nil, fmt.Errorf("add token usage: %w", err)
	}
	return s.mustFindAgent(ctx, id)
}

func (s *Store) mustFindAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.FindAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrNotFound
	}
	return agent, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// --- Task Operations ---

const taskColumns = `id, title, description, assigned_to_id, created_by_id, status, priority, kind, parent_task_id, delegation_depth, result, created_at, updated_at, completed_at`

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, draft models.TaskDraft) (*models.Task, error) {
	now := s.now()
	task := &models.Task{
		ID:              uuid.New().String(),
		Title:           draft.Title,
		Description:     draft.Description,
		AssignedToID:    draft.AssignedToID,
		CreatedByID:     draft.CreatedByID,
		Status:          models.TaskStatusPending,
		Priority:        draft.Priority,
		Kind:            draft.Kind,
		ParentTaskID:    draft.ParentTaskID,
		DelegationDepth: draft.DelegationDepth,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.Kind == "" {
		task.Kind = models.TaskKindWork
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, assigned_to_id, created_by_id, status, priority, kind, parent_task_id, delegation_depth, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, nullString(task.AssignedToID), nullString(task.CreatedByID),
		task.Status, task.Priority, task.Kind, nullString(task.ParentTaskID), task.DelegationDepth,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID. It returns nil, nil when no task exists.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// FindTasks returns the tasks matching filter ordered for execution:
// urgent before high before medium before low, oldest first within a priority.
func (s *Store) FindTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	var where []string
	var args []interface{}

	if filter.AssignedToID != "" {
		where = append(where, "assigned_to_id = ?")
		args = append(args, filter.AssignedToID)
	}
	if filter.CreatedByID != "" {
		where = append(where, "created_by_id = ?")
		args = append(args, filter.CreatedByID)
	}
	if filter.ParentTaskID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Title != "" {
		where = append(where, "title = ?")
		args = append(args, filter.Title)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	SortForExecution(tasks)
	return tasks, nil
}

// SortForExecution orders tasks by priority rank, then creation time, then id.
func SortForExecution(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// CountOpenTasks returns how many unfinished tasks are assigned to agentID.
func (s *Store) CountOpenTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_to_id = ? AND status IN (?, ?, ?)`,
		agentID, models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusBlocked,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open tasks: %w", err)
	}
	return n, nil
}

// UpdateTask applies patch to the task and returns the stored record.
// A status change writes completed_at in the same statement so that
// completed_at is set exactly when the status is completed.
func (s *Store) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
		if *patch.Status == models.TaskStatusCompleted {
			sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
			args = append(args, s.now())
		} else {
			sets = append(sets, "completed_at = NULL")
		}
	}
	if patch.AssignedToID != nil {
		sets = append(sets, "assigned_to_id = ?")
		args = append(args, nullString(*patch.AssignedToID))
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}

	if err := s.execUpdate(ctx, "tasks", id, sets, args); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// execUpdate runs a single UPDATE statement, always bumping updated_at.
func (s *Store) execUpdate(ctx context.Context, table, id string, sets []string, args []interface{}) error {
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, agentID, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		AgentID:    agentID,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, agent_id, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, nullString(pdr.AgentID), nullString(pdr.TaskID), pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns decision records for an agent, newest first.
func (s *Store) ListPDR(ctx context.Context, agentID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, agent_id, task_id, details, timestamp FROM pdr WHERE agent_id = ? ORDER BY timestamp DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var agent, task, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &agent, &task, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.AgentID = agent.String
		e.TaskID = task.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var role, senior, team sql.NullString
	if err := row.Scan(&agent.ID, &agent.Name, &role, &agent.Status, &senior, &team,
		&agent.TokenAllocation, &agent.TokenUsed, &agent.LastActiveAt, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.Role = role.String
	agent.SeniorID = senior.String
	agent.TeamID = team.String
	return &agent, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var description, assigned, createdBy, parent, result sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&task.ID, &task.Title, &description, &assigned, &createdBy, &task.Status,
		&task.Priority, &task.Kind, &parent, &task.DelegationDepth, &result,
		&task.CreatedAt, &task.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	task.Description = description.String
	task.AssignedToID = assigned.String
	task.CreatedByID = createdBy.String
	task.ParentTaskID = parent.String
	if result.Valid {
		task.Result = &result.String
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
