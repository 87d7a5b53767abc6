package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/cadre/internal/tui"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentAdd,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show agent details and recent decisions",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentTopUpCmd = &cobra.Command{
	Use:   "topup [agent-id] [tokens]",
	Short: "Increase an agent's token allocation",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentTopUp,
}

var (
	agentRole       string
	agentSenior     string
	agentTeam       string
	agentAllocation int64
	agentStart      bool
	agentAuditLimit int
)

func init() {
	agentCmd.AddCommand(agentAddCmd, agentListCmd, agentShowCmd, agentTopUpCmd)
	for _, action := range []string{"start", "stop", "pause", "resume"} {
		agentCmd.AddCommand(newAgentActionCmd(action))
	}

	agentAddCmd.Flags().StringVar(&agentRole, "role", "", "Role description used in prompts")
	agentAddCmd.Flags().StringVar(&agentSenior, "senior", "", "Senior agent ID")
	agentAddCmd.Flags().StringVar(&agentTeam, "team", "", "Team ID")
	agentAddCmd.Flags().Int64Var(&agentAllocation, "tokens", 100000, "Token allocation")
	agentAddCmd.Flags().BoolVar(&agentStart, "start", false, "Start the agent's loop immediately")

	agentShowCmd.Flags().IntVar(&agentAuditLimit, "audit", 10, "Number of audit entries to show")
}

func newAgentActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [agent-id]",
		Short: fmt.Sprintf("Send %s to an agent's loop", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := apiPost("/agents/"+args[0]+"/"+action, struct{}{}); err != nil {
				return err
			}
			fmt.Printf("Agent %s: %s\n", args[0], action)
			return nil
		},
	}
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"name":             args[0],
		"role":             agentRole,
		"senior_id":        agentSenior,
		"team_id":          agentTeam,
		"token_allocation": agentAllocation,
		"start":            agentStart,
	}

	resp, err := apiPost("/agents", body)
	if err != nil {
		return err
	}

	var agent tui.AgentItem
	if err := json.Unmarshal(resp, &agent); err != nil {
		return err
	}
	fmt.Printf("Created agent: %s (%s)\n", agent.ID, agent.Name)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents")
	if err != nil {
		return err
	}

	var agents []agentView
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLOOP\tTOKENS\tSENIOR")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(a.ID), truncate(a.Name, 24), a.Status, a.Loop,
			a.TokenUsed, a.TokenAllocation, truncateID(a.SeniorID))
	}
	return w.Flush()
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/" + args[0])
	if err != nil {
		return err
	}
	var a agentView
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", a.ID)
	fmt.Printf("Name:        %s\n", a.Name)
	if a.Role != "" {
		fmt.Printf("Role:        %s\n", a.Role)
	}
	fmt.Printf("Status:      %s\n", a.Status)
	fmt.Printf("Loop:        %s\n", a.Loop)
	fmt.Printf("Tokens:      %d / %d\n", a.TokenUsed, a.TokenAllocation)
	if a.SeniorID != "" {
		fmt.Printf("Senior:      %s\n", a.SeniorID)
	}
	if !a.LastActiveAt.IsZero() {
		fmt.Printf("Last active: %s\n", a.LastActiveAt.Format(time.RFC3339))
	}

	if agentAuditLimit <= 0 {
		return nil
	}
	resp, err = apiGet("/agents/" + args[0] + "/audit")
	if err != nil {
		return err
	}
	var entries []auditEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > agentAuditLimit {
		entries = entries[:agentAuditLimit]
	}

	fmt.Println("\nRecent decisions:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05"), e.Action, e.Outcome, truncateID(e.TaskID))
	}
	return w.Flush()
}

func runAgentTopUp(cmd *cobra.Command, args []string) error {
	var amount int64
	if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
		return fmt.Errorf("tokens must be a positive integer, got %q", args[1])
	}

	resp, err := apiPost("/agents/"+args[0]+"/topup", map[string]int64{"amount": amount})
	if err != nil {
		return err
	}
	var a agentView
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Agent %s now has %d/%d tokens (%s)\n", a.Name, a.TokenUsed, a.TokenAllocation, a.Status)
	return nil
}

type agentView struct {
	tui.AgentItem
	Loop string `json:"loop"`
}

type auditEntry struct {
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}
