// runctl is a thin HTTP client for the control plane's Client API: create,
// inspect, and steer runs, and resolve pending approvals.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultServer = "http://localhost:8090"

type cliConfig struct {
	server     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server)
	ctx := context.Background()

	switch command {
	case "create":
		err = runCreate(ctx, client, cfg, args)
	case "get":
		err = runGet(ctx, client, cfg, args)
	case "list":
		err = runList(ctx, client, cfg, args)
	case "board":
		err = runBoard(ctx, client, cfg, args)
	case "pause":
		err = runPause(ctx, client, args)
	case "resume":
		err = runResume(ctx, client, args)
	case "cancel":
		err = runCancel(ctx, client, args)
	case "approvals":
		err = runApprovals(ctx, client, cfg, args)
	case "approve":
		err = runApprove(ctx, client, args)
	case "reject":
		err = runReject(ctx, client, args)
	case "version":
		fmt.Printf("runctl %s (commit: %s)\n", version, commit)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{server: defaultServer}
	if v := os.Getenv("RUNCTL_SERVER"); v != "" {
		cfg.server = v
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}
	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: runctl [--server <url>] [--json] <command>

Commands:
  create --workspace <id> --template <id> [--agent <slug>] --contract <file.json>
                            Start a run from a contract file
  get <run-id>              Show run detail
  list --workspace <id> | --state <state>
                            List runs
  board                     Show the kanban-style run board
  pause <run-id>             Pause a run
  resume <run-id>            Resume a paused or awaiting-approval run
  cancel <run-id> [reason]  Cancel a run
  approvals [run-id]        List pending approvals
  approve <checkpoint-id> <approver-id>
                            Approve a checkpoint
  reject <checkpoint-id> <reason> <rejector-id>
                            Reject a checkpoint (user_cancelled, needs_edit, policy_violation)
`)
}

func runCreate(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	var workspaceID, template, agentSlug, contractPath string
	idx := 0
	for idx < len(args) {
		switch args[idx] {
		case "--workspace":
			workspaceID = args[idx+1]
			idx += 2
		case "--template":
			template = args[idx+1]
			idx += 2
		case "--agent":
			agentSlug = args[idx+1]
			idx += 2
		case "--contract":
			contractPath = args[idx+1]
			idx += 2
		default:
			return fmt.Errorf("unknown flag: %s", args[idx])
		}
	}
	if workspaceID == "" || contractPath == "" {
		return fmt.Errorf("usage: runctl create --workspace <id> --template <id> --contract <file.json>")
	}

	raw, err := os.ReadFile(contractPath)
	if err != nil {
		return fmt.Errorf("read contract file: %w", err)
	}
	var contractBody any
	if err := json.Unmarshal(raw, &contractBody); err != nil {
		return fmt.Errorf("parse contract file: %w", err)
	}

	run, err := client.CreateRun(ctx, CreateRunRequest{
		WorkspaceID: workspaceID,
		AgentSlug:   agentSlug,
		Template:    template,
		Contract:    contractBody,
	})
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	fmt.Printf("run %s created, state=%s\n", run.RunID, ColorState(run.State))
	return nil
}

func runGet(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: runctl get <run-id>")
	}
	run, err := client.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	printRunDetail(run)
	return nil
}

func printRunDetail(run *Run) {
	fmt.Printf("Run:        %s\n", run.RunID)
	fmt.Printf("Workspace:  %s\n", run.WorkspaceID)
	fmt.Printf("Template:   %s %s\n", run.TemplateID, run.TemplateVersion)
	fmt.Printf("State:      %s\n", ColorState(run.State))
	fmt.Printf("Created:    %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Started:    %s\n", FormatTimeOrDash(run.StartedAt))
	fmt.Printf("Completed:  %s\n", FormatTimeOrDash(run.CompletedAt))
	fmt.Printf("Cost:       %s (%s compute, %s api)\n",
		FormatCents(run.TotalCents()), FormatCents(run.ComputeCents), FormatCents(run.APICents))
	if run.Error != nil {
		fmt.Printf("Error:      [%s] %s\n", run.Error.Kind, run.Error.Message)
	}
	if len(run.Artifacts) > 0 {
		fmt.Println("Artifacts:")
		for _, a := range run.Artifacts {
			fmt.Printf("  %s  %s  %s\n", a.ID, a.Type, a.Path)
		}
	}
}

func runList(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	var workspaceID, state string
	idx := 0
	for idx < len(args) {
		switch args[idx] {
		case "--workspace":
			workspaceID = args[idx+1]
			idx += 2
		case "--state":
			state = args[idx+1]
			idx += 2
		default:
			return fmt.Errorf("unknown flag: %s", args[idx])
		}
	}
	runs, err := client.ListRuns(ctx, workspaceID, state)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, runs)
	}
	printRunTable(runs)
	return nil
}

func printRunTable(runs []*Run) {
	headers := []string{"RUN ID", "WORKSPACE", "STATE", "COST", "CREATED"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			Truncate(r.RunID, 20),
			Truncate(r.WorkspaceID, 16),
			ColorState(r.State),
			FormatCents(r.TotalCents()),
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Printf("\nTotal: %d runs\n", len(runs))
}

func runBoard(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: runctl board")
	}
	board, err := client.Board(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, board)
	}
	for _, section := range []struct {
		name string
		runs []*Run
	}{
		{"QUEUE", board.Queue},
		{"RUNNING", board.Running},
		{"NEEDS HUMAN", board.NeedsHuman},
		{"DONE", board.Done},
		{"FAILED", board.Failed},
	} {
		fmt.Printf("== %s (%d) ==\n", section.name, len(section.runs))
		printRunTable(section.runs)
		fmt.Println()
	}
	return nil
}

func runPause(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: runctl pause <run-id>")
	}
	if err := client.Pause(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("pausing")
	return nil
}

func runResume(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: runctl resume <run-id>")
	}
	if err := client.Resume(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("resuming")
	return nil
}

func runCancel(ctx context.Context, client *APIClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: runctl cancel <run-id> [reason]")
	}
	reason := "cancelled via runctl"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := client.Cancel(ctx, args[0], reason); err != nil {
		return err
	}
	fmt.Println("cancelling")
	return nil
}

func runApprovals(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	runID := ""
	if len(args) == 1 {
		runID = args[0]
	} else if len(args) > 1 {
		return fmt.Errorf("usage: runctl approvals [run-id]")
	}
	pending, err := client.PendingApprovals(ctx, runID)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, pending)
	}
	headers := []string{"CHECKPOINT", "RUN", "ACTION", "EXPIRES"}
	rows := make([][]string, 0, len(pending))
	for _, a := range pending {
		rows = append(rows, []string{
			Truncate(a.CheckpointID, 20),
			Truncate(a.RunID, 20),
			a.ActionType,
			a.ExpiresAt.Format("2006-01-02 15:04:05"),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runApprove(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: runctl approve <checkpoint-id> <approver-id>")
	}
	if err := client.Approve(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Println("approved")
	return nil
}

func runReject(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: runctl reject <checkpoint-id> <reason> <rejector-id>")
	}
	if err := client.Reject(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Println("rejected")
	return nil
}
