// ABOUTME: Table output for status, lifecycle reports, assignments and logs.
// ABOUTME: Response shapes mirror the control API's JSON.

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

type agentRow struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	State            string `json:"state"`
	Status           string `json:"status"`
	AssignedIdentity string `json:"assigned_identity"`
	UserID           string `json:"user_id"`
	Phone            string `json:"phone"`
	Nickname         string `json:"nickname"`
}

type outcome struct {
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
	Error   string `json:"error"`
}

type report struct {
	Outcomes []outcome `json:"outcomes"`
}

type assignmentRow struct {
	IdentityID string `json:"identity_id"`
	AgentID    string `json:"agent_id"`
	AssignedAt string `json:"assigned_at"`
	ReleasedAt string `json:"released_at"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func cmdHealth(ctx context.Context, c *client) error {
	if err := c.get(ctx, "/health", nil); err != nil {
		return err
	}
	fmt.Println("healthy")
	return nil
}

func cmdStatus(ctx context.Context, c *client) error {
	var agents []agentRow
	if err := c.get(ctx, "/api/agents", &agents); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agents")
	cyan.Println("  ------")

	if len(agents) == 0 {
		fmt.Println("  (no credentials found)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tROLE\tSTATUS\tACCOUNT\tPHONE\tNAME\tIDENTITY")
	fmt.Fprintln(w, "  --\t----\t------\t-------\t-----\t----\t--------")
	for _, a := range agents {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.ID, 20), a.Role, colorStatus(a.Status),
			truncate(a.UserID, 32), a.Phone, truncate(a.Nickname, 24), truncate(a.AssignedIdentity, 32))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "online", "listening":
		return color.GreenString(status)
	case "frozen":
		return color.RedString(status)
	default:
		return color.HiBlackString(status)
	}
}

func cmdReport(ctx context.Context, c *client, path, title string) error {
	var r report
	if err := c.post(ctx, path, &r); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  %s\n", title)

	if len(r.Outcomes) == 0 {
		fmt.Println("  (nothing to do)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT\tRESULT\tERROR")
	fmt.Fprintln(w, "  -----\t------\t-----")
	for _, o := range r.Outcomes {
		result := o.Result
		switch o.Result {
		case "ok":
			result = color.GreenString(o.Result)
		case "frozen", "error", "not_authorized":
			result = color.RedString(o.Result)
		case "unavailable":
			result = color.YellowString(o.Result)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", o.AgentID, result, truncate(o.Error, 60))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAssignments(ctx context.Context, c *client, args []string) error {
	limit, err := countArg(args, 50)
	if err != nil {
		return err
	}

	var rows []assignmentRow
	if err := c.get(ctx, fmt.Sprintf("/api/assignments?limit=%d", limit), &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println("  (no assignments yet)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  IDENTITY\tAGENT\tASSIGNED\tRELEASED")
	fmt.Fprintln(w, "  --------\t-----\t--------\t--------")
	for _, a := range rows {
		released := "-"
		if a.ReleasedAt != "" {
			released = formatTime(a.ReleasedAt)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", truncate(a.IdentityID, 32), a.AgentID, formatTime(a.AssignedAt), released)
	}
	w.Flush()
	return nil
}

func formatTime(s string) string {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Local().Format("Jan 02 15:04")
	}
	return s
}

func cmdLogs(ctx context.Context, c *client, args []string) error {
	n, err := countArg(args, 100)
	if err != nil {
		return err
	}

	var resp struct {
		Lines []string `json:"lines"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/logs?lines=%d", n), &resp); err != nil {
		return err
	}
	for _, line := range resp.Lines {
		fmt.Println(line)
	}
	return nil
}
