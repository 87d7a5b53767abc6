// Package tui provides the terminal dashboard for Cadre.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type mode int

const (
	modeAgents mode = iota
	modeTasks
	modeWorkers
	modeDetail
)

var taskFilters = []string{"", "pending", "in-progress", "blocked", "completed", "failed"}
var taskFilterNames = []string{"ALL", "PENDING", "IN PROGRESS", "BLOCKED", "DONE", "FAILED"}

type keyMap struct {
	Quit    key.Binding
	Back    key.Binding
	Next    key.Binding
	Up      key.Binding
	Down    key.Binding
	Open    key.Binding
	Filter  key.Binding
	Refresh key.Binding
	Start   key.Binding
	Stop    key.Binding
	Pause   key.Binding
	Resume  key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("ctrl+c", "q")),
	Back:    key.NewBinding(key.WithKeys("esc")),
	Next:    key.NewBinding(key.WithKeys("tab")),
	Up:      key.NewBinding(key.WithKeys("up", "k")),
	Down:    key.NewBinding(key.WithKeys("down", "j")),
	Open:    key.NewBinding(key.WithKeys("enter")),
	Filter:  key.NewBinding(key.WithKeys("f")),
	Refresh: key.NewBinding(key.WithKeys("r")),
	Start:   key.NewBinding(key.WithKeys("s")),
	Stop:    key.NewBinding(key.WithKeys("x")),
	Pause:   key.NewBinding(key.WithKeys("p")),
	Resume:  key.NewBinding(key.WithKeys("u")),
}

// Source is the data the dashboard reads. *Client implements it.
type Source interface {
	ListAgents() ([]AgentItem, error)
	ListTasks(status string) ([]TaskItem, error)
	GetTask(id string) (*TaskItem, error)
	GetWorkers() ([]WorkerItem, error)
	AgentAction(agentID, action string) error
	CheckHealth() (bool, error)
}

// App is the main TUI application model.
type App struct {
	source       Source
	mode         mode
	agents       []AgentItem
	tasks        []TaskItem
	workers      []WorkerItem
	agentIdx     int
	taskIdx      int
	filterIdx    int
	current      *TaskItem
	viewport     viewport.Model
	width        int
	height       int
	message      string
	daemonOnline bool
	refresh      time.Duration
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	return NewWithSource(NewClient(apiAddr))
}

// NewWithSource creates the application on an arbitrary data source.
func NewWithSource(source Source) *App {
	return &App{
		source:   source,
		viewport: viewport.New(80, 20),
		width:    80,
		height:   24,
		refresh:  2 * time.Second,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchAll(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(5, msg.Height-6)
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.fetchAll(), a.tickCmd())

	case snapshotMsg:
		a.daemonOnline = msg.online
		a.agents = msg.agents
		a.tasks = msg.tasks
		a.workers = msg.workers
		a.agentIdx = clamp(a.agentIdx, len(a.agents))
		a.taskIdx = clamp(a.taskIdx, len(a.tasks))
		return a, nil

	case taskDetailMsg:
		a.current = msg.task
		a.viewport.SetContent(renderTaskDetail(msg.task))
		a.viewport.GotoTop()
		return a, nil

	case actionDoneMsg:
		a.message = msg.text
		return a, a.fetchAll()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Back):
		if a.mode == modeDetail {
			a.mode = modeTasks
			a.current = nil
		}
		return a, nil

	case key.Matches(msg, keys.Next):
		switch a.mode {
		case modeAgents:
			a.mode = modeTasks
		case modeTasks:
			a.mode = modeWorkers
		default:
			a.mode = modeAgents
		}
		return a, nil

	case key.Matches(msg, keys.Refresh):
		return a, a.fetchAll()
	}

	switch a.mode {
	case modeDetail:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case modeAgents:
		switch {
		case key.Matches(msg, keys.Up):
			a.agentIdx = clamp(a.agentIdx-1, len(a.agents))
		case key.Matches(msg, keys.Down):
			a.agentIdx = clamp(a.agentIdx+1, len(a.agents))
		case key.Matches(msg, keys.Start):
			return a, a.agentAction("start")
		case key.Matches(msg, keys.Stop):
			return a, a.agentAction("stop")
		case key.Matches(msg, keys.Pause):
			return a, a.agentAction("pause")
		case key.Matches(msg, keys.Resume):
			return a, a.agentAction("resume")
		}

	case modeTasks:
		switch {
		case key.Matches(msg, keys.Up):
			a.taskIdx = clamp(a.taskIdx-1, len(a.tasks))
		case key.Matches(msg, keys.Down):
			a.taskIdx = clamp(a.taskIdx+1, len(a.tasks))
		case key.Matches(msg, keys.Filter):
			a.filterIdx = (a.filterIdx + 1) % len(taskFilters)
			a.taskIdx = 0
			return a, a.fetchAll()
		case key.Matches(msg, keys.Open):
			if len(a.tasks) > 0 {
				a.mode = modeDetail
				return a, a.fetchTaskDetail(a.tasks[a.taskIdx].ID)
			}
		}
	}
	return a, nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	running := 0
	for _, w := range a.workers {
		if w.Running {
			running++
		}
	}
	header := titleStyle.Render("CADRE Agent Engine")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d agents, %d running]", len(a.agents), running))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(1, a.width)) + "\n")

	contentHeight := max(5, a.height-6)
	switch a.mode {
	case modeAgents:
		b.WriteString(renderAgents(a.agents, a.agentIdx, contentHeight))
	case modeTasks:
		filterLabel := fmt.Sprintf(" Filter: [%s]", taskFilterNames[a.filterIdx])
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(filterLabel) + "\n")
		b.WriteString(renderTasks(a.tasks, a.taskIdx, contentHeight-1))
	case modeWorkers:
		b.WriteString(renderWorkers(a.workers, a.agents))
	case modeDetail:
		if a.current == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(a.viewport.View())
		}
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeAgents:
		status = fmt.Sprintf(" Agents: %d | ↑↓:nav | s:start x:stop p:pause u:resume | Tab:tasks | q:quit", len(a.agents))
	case modeTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:detail | f:filter | Tab:workers | q:quit", len(a.tasks))
	case modeWorkers:
		status = fmt.Sprintf(" Loops: %d | Tab:agents | r:refresh | q:quit", len(a.workers))
	default:
		status = " ↑↓:scroll | Esc:back | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(1, a.width)).Render(status))
	return b.String()
}

// --- Commands ---

type tickMsg time.Time

type snapshotMsg struct {
	online  bool
	agents  []AgentItem
	tasks   []TaskItem
	workers []WorkerItem
}

type taskDetailMsg struct {
	task *TaskItem
}

type actionDoneMsg struct {
	text string
}

type errMsg struct {
	err error
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) fetchAll() tea.Cmd {
	filter := taskFilters[a.filterIdx]
	return func() tea.Msg {
		online, err := a.source.CheckHealth()
		if err != nil || !online {
			return snapshotMsg{online: false}
		}
		agents, err := a.source.ListAgents()
		if err != nil {
			return errMsg{err}
		}
		tasks, err := a.source.ListTasks(filter)
		if err != nil {
			return errMsg{err}
		}
		workers, err := a.source.GetWorkers()
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{online: true, agents: agents, tasks: tasks, workers: workers}
	}
}

func (a *App) fetchTaskDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.source.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailMsg{task}
	}
}

func (a *App) agentAction(action string) tea.Cmd {
	if len(a.agents) == 0 {
		return nil
	}
	agent := a.agents[a.agentIdx]
	return func() tea.Msg {
		if err := a.source.AgentAction(agent.ID, action); err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{fmt.Sprintf("%s: %s", agent.Name, action)}
	}
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
