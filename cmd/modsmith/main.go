package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/checkpoint"
	"github.com/modsmith/modsmith/internal/config"
	"github.com/modsmith/modsmith/internal/coordinator"
	"github.com/modsmith/modsmith/internal/graph"
	"github.com/modsmith/modsmith/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  modsmith run [--config <file.yaml>] [--run-id <id>] [--workspace <dir>] <request>")
	fmt.Fprintln(os.Stderr, "  modsmith resume [--config <file.yaml>] --run-id <id> [<follow-up>]")
	fmt.Fprintln(os.Stderr, "  modsmith verify [--config <file.yaml>] [--workspace <dir>]")
	fmt.Fprintln(os.Stderr, "  modsmith status [--config <file.yaml>] [--run-id <id>]")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "modsmith: %v\n", err)
	os.Exit(1)
}

// takeValue consumes the value of a --flag at position i.
func takeValue(args []string, i *int, flag string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[*i]
}

// setup loads the config and wires the coordinator plus a rotating
// service log under the state root.
func setup(configPath, workspace string) (*config.File, *coordinator.Coordinator, *checkpoint.FSStore) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	cfg.Workspace, err = filepath.Abs(cfg.Workspace)
	if err != nil {
		fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.StateRoot, "modsmith.log"),
		MaxSize:    20, // MB
		MaxBackups: 3,
	}, nil))
	slog.SetDefault(logger)

	store, err := checkpoint.NewFSStore(cfg.StateRoot)
	if err != nil {
		fatal(err)
	}
	compiled, err := workflow.Build(workflow.Deps{
		Planner:    &agent.SimulatedPlanner{},
		Executor:   &agent.SimulatedExecutor{},
		Proposer:   noopProposer{},
		Summarizer: agent.SimulatedSummarizer{},
		Responder:  agent.SimulatedResponder{},
	}, workflow.Options{
		Steps:          cfg.Steps(),
		StartupMarkers: cfg.Build.StartupMarkers,
		MaxFixAttempts: cfg.Fix.MaxAttempts,
		FailurePolicy:  cfg.Fix.FailurePolicy,
		AllowPatterns:  cfg.Patch.Allow,
		AnchorNS:       cfg.Patch.AnchorNamespace,
		MaxTasks:       cfg.Plan.MaxTasks,
	})
	if err != nil {
		fatal(err)
	}
	return cfg, coordinator.New(compiled, store), store
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func cmdRun(args []string) {
	var configPath, runID, workspace, request string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = takeValue(args, &i, "--config")
		case "--run-id":
			runID = takeValue(args, &i, "--run-id")
		case "--workspace":
			workspace = takeValue(args, &i, "--workspace")
		default:
			if request != "" {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			request = args[i]
		}
	}

	cfg, coord, _ := setup(configPath, workspace)
	st := &agent.State{UserInput: request, Workspace: cfg.Workspace}
	slog.Info("run start", "run_id", runID, "workspace", cfg.Workspace)
	out, err := coord.Start(signalContext(), runID, st)
	if err != nil {
		slog.Error("run failed", "error", err)
		fatal(err)
	}
	reportOutcome(out)
}

func cmdResume(args []string) {
	var configPath, runID, followup string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = takeValue(args, &i, "--config")
		case "--run-id":
			runID = takeValue(args, &i, "--run-id")
		default:
			if followup != "" {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			followup = args[i]
		}
	}
	if runID == "" {
		usage()
		os.Exit(1)
	}

	_, coord, _ := setup(configPath, "")
	var delta agent.Delta
	if followup != "" {
		delta.FollowupInput = agent.Str(followup)
	}
	slog.Info("resume", "run_id", runID)
	out, err := coord.Resume(signalContext(), runID, delta)
	if err != nil {
		slog.Error("resume failed", "run_id", runID, "error", err)
		fatal(err)
	}
	reportOutcome(out)
}

// cmdVerify runs the build pipeline once, without the fix loop, and prints
// the step results.
func cmdVerify(args []string) {
	var configPath, workspace string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = takeValue(args, &i, "--config")
		case "--workspace":
			workspace = takeValue(args, &i, "--workspace")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, _, _ := setup(configPath, workspace)
	runner := &verifyRunner{cfg: cfg}
	res, err := runner.run(signalContext())
	if err != nil {
		fatal(err)
	}
	for _, sr := range res.Steps {
		status := "ok"
		if !sr.OK {
			status = fmt.Sprintf("failed (exit %d)", sr.ExitCode)
		}
		fmt.Printf("%-14s %-10s %s\n", sr.Name, status, sr.LogPath)
	}
	if !res.OK {
		os.Exit(2)
	}
}

func cmdStatus(args []string) {
	var configPath, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = takeValue(args, &i, "--config")
		case "--run-id":
			runID = takeValue(args, &i, "--run-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	_, coord, store := setup(configPath, "")
	if runID == "" {
		runs, err := coord.List()
		if err != nil {
			fatal(err)
		}
		for _, info := range runs {
			fmt.Printf("%-28s %-10s %s\n", info.RunID, info.Status, info.Stage)
		}
		return
	}

	cp, err := store.Load(runID)
	if err != nil {
		fatal(err)
	}
	view := map[string]any{
		"run_id":   cp.RunID,
		"stage":    cp.Stage,
		"final":    cp.Final,
		"saved_at": cp.SavedAt,
		"snapshot": cp.State.Snapshot(),
		"summary":  cp.State.Summary,
		"failures": cp.State.Failures,
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func reportOutcome(out *graph.Outcome) {
	switch out.Status {
	case graph.StatusSuspended:
		fmt.Printf("run %s suspended at %s, awaiting input\n", out.State.RunID, out.Stage)
		fmt.Printf("resume with: modsmith resume --run-id %s \"<follow-up>\"\n", out.State.RunID)
	default:
		fmt.Printf("run %s completed\n", out.State.RunID)
		if out.State.Summary != "" {
			fmt.Println(out.State.Summary)
		}
	}
}
