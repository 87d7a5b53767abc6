package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/cadre/internal/tui"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [agent-id] [title]",
	Short: "Assign a new task to an agent",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var (
	taskDesc     string
	taskPriority string
	taskCreator  string
	taskStatus   string
	taskAgent    string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd)

	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Priority (low, medium, high, critical)")
	taskAddCmd.Flags().StringVar(&taskCreator, "from", "", "Creating agent ID")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, in-progress, blocked, completed, failed, cancelled)")
	taskListCmd.Flags().StringVar(&taskAgent, "agent", "", "Filter by assigned agent ID")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"title":          strings.Join(args[1:], " "),
		"description":    taskDesc,
		"assigned_to_id": args[0],
		"created_by_id":  taskCreator,
		"priority":       taskPriority,
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var task tui.TaskItem
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskAgent != "" {
		q.Set("agent", taskAgent)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []tui.TaskItem
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tKIND\tASSIGNED TO")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.ID), truncate(t.Title, 40), t.Status, t.Priority, t.Kind, truncateID(t.AssignedToID))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var t tui.TaskItem
	if err := json.Unmarshal(resp, &t); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Kind:        %s\n", t.Kind)
	fmt.Printf("Assigned to: %s\n", t.AssignedToID)
	if t.CreatedByID != "" {
		fmt.Printf("Created by:  %s\n", t.CreatedByID)
	}
	if t.ParentTaskID != "" {
		fmt.Printf("Parent:      %s (depth %d)\n", t.ParentTaskID, t.DelegationDepth)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
	if t.Result != nil {
		fmt.Printf("\nResult:\n%s\n", *t.Result)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
