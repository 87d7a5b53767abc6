package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const budgetBarWidth = 20

func renderAgents(agents []AgentItem, selected, height int) string {
	if len(agents) == 0 {
		return "\n  No agents registered. Run: cadre agent add <name>\n"
	}

	names := make(map[string]string, len(agents))
	for _, ag := range agents {
		names[ag.ID] = ag.Name
	}

	lines := []string{headerStyle.Render(fmt.Sprintf("  %-18s %-10s %-14s %-24s %s", "NAME", "STATUS", "SENIOR", "BUDGET", "ROLE"))}
	for i, ag := range agents {
		senior := names[ag.SeniorID]
		if senior == "" {
			senior = "-"
		}
		row := fmt.Sprintf("%-18s %s %-14s %s %s",
			truncate(ag.Name, 18),
			formatAgentStatus(ag.Status),
			truncate(senior, 14),
			budgetBar(ag.TokenUsed, ag.TokenAllocation),
			truncate(ag.Role, 20))
		if i == selected {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, itemStyle.Render(row))
		}
	}
	return strings.Join(window(lines, selected+1, height), "\n")
}

func renderTasks(tasks []TaskItem, selected, height int) string {
	if len(tasks) == 0 {
		return "\n  No tasks found. Run: cadre task add <agent> <title>\n"
	}

	var lines []string
	for i, t := range tasks {
		row := fmt.Sprintf("%s %-7s %-10s %s", formatTaskStatus(t.Status), t.Priority, t.Kind, truncate(t.Title, 50))
		if i == selected {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, itemStyle.Render(row))
		}
	}
	return strings.Join(window(lines, selected, height), "\n")
}

func renderWorkers(workers []WorkerItem, agents []AgentItem) string {
	var b strings.Builder
	b.WriteString("\n  Execution Loops\n")
	b.WriteString("  " + strings.Repeat("─", 60) + "\n")

	if len(workers) == 0 {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(mutedColor).Render("No loops running") + "\n")
		return b.String()
	}

	names := make(map[string]string, len(agents))
	for _, ag := range agents {
		names[ag.ID] = ag.Name
	}

	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		headerStyle.Render(fmt.Sprintf("%-16s", "AGENT")),
		headerStyle.Render(fmt.Sprintf("%-16s", "PHASE")),
		headerStyle.Render(fmt.Sprintf("%-6s", "DONE")),
		headerStyle.Render("LAST POLL"),
	))
	for _, w := range workers {
		name := names[w.AgentID]
		if name == "" {
			name = shortID(w.AgentID)
		}
		phase := w.Phase
		if !w.Running {
			phase = "stopped"
		}
		line := fmt.Sprintf("  %-16s  %-16s  %-6d  %s", truncate(name, 16), phase, w.TasksProcessed, sinceString(w.LastPollAt))
		b.WriteString(line + "\n")
		if w.LastError != "" {
			b.WriteString("    " + offlineStyle.Render(truncate(w.LastError, 70)) + "\n")
		}
	}
	return b.String()
}

func renderTaskDetail(t *TaskItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", lipgloss.NewStyle().Bold(true).Render(t.Title))
	fmt.Fprintf(&b, "ID:        %s\n", t.ID)
	fmt.Fprintf(&b, "Status:    %s\n", formatTaskStatus(t.Status))
	fmt.Fprintf(&b, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(&b, "Kind:      %s\n", t.Kind)
	if t.AssignedToID != "" {
		fmt.Fprintf(&b, "Assigned:  %s\n", t.AssignedToID)
	}
	if t.ParentTaskID != "" {
		fmt.Fprintf(&b, "Parent:    %s (depth %d)\n", t.ParentTaskID, t.DelegationDepth)
	}
	fmt.Fprintf(&b, "Created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if t.Result != nil {
		fmt.Fprintf(&b, "\nResult:\n%s\n", *t.Result)
	}
	return b.String()
}

// budgetBar draws token consumption as a fixed-width bar with a
// percentage, colored by the warning thresholds.
func budgetBar(used, allocation int64) string {
	pct := 100
	if allocation > 0 {
		pct = int(used * 100 / allocation)
	}
	filled := min(budgetBarWidth, pct*budgetBarWidth/100)

	color := successColor
	switch {
	case pct >= 100:
		color = errorColor
	case pct >= 90:
		color = warningColor
	}
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(mutedColor).Render(strings.Repeat("░", budgetBarWidth-filled))
	return fmt.Sprintf("%s %3d%%", bar, pct)
}

func formatAgentStatus(status string) string {
	label := fmt.Sprintf("%-10s", status)
	switch status {
	case "active":
		return lipgloss.NewStyle().Foreground(successColor).Render(label)
	case "bored":
		return lipgloss.NewStyle().Foreground(cyanColor).Render(label)
	case "stuck":
		return lipgloss.NewStyle().Foreground(errorColor).Render(label)
	case "paused":
		return lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	default:
		return label
	}
}

func formatTaskStatus(status string) string {
	switch status {
	case "pending":
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING ")
	case "in-progress":
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING ")
	case "blocked":
		return lipgloss.NewStyle().Foreground(errorColor).Render("◐ BLOCKED ")
	case "completed":
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE    ")
	case "failed":
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED  ")
	case "cancelled":
		return lipgloss.NewStyle().Foreground(mutedColor).Render("− CANCEL  ")
	default:
		return status
	}
}

// window returns at most height lines keeping index visible.
func window(lines []string, index, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := max(0, index-height/2)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sinceString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds ago", int(d.Minutes()), int(d.Seconds())%60)
}
