package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/checkpoint"
	"github.com/modsmith/modsmith/internal/graph"
	"github.com/modsmith/modsmith/internal/patch"
	"github.com/modsmith/modsmith/internal/verify"
)

type proposerFunc func(ctx context.Context, req verify.ProposalRequest) ([]byte, error)

func (f proposerFunc) ProposeFix(ctx context.Context, req verify.ProposalRequest) ([]byte, error) {
	return f(ctx, req)
}

func noProposals(context.Context, verify.ProposalRequest) ([]byte, error) {
	return []byte(`[]`), nil
}

func passingStep() verify.Step {
	return verify.Step{
		Name:    "compileJava",
		Kind:    verify.KindCompile,
		Argv:    []string{"/bin/sh", "-c", "exit 0"},
		Timeout: 30 * time.Second,
	}
}

// grepStep fails while target still contains the word "bad".
func grepStep(target string) verify.Step {
	return verify.Step{
		Name:    "compileJava",
		Kind:    verify.KindCompile,
		Argv:    []string{"/bin/sh", "-c", `if grep -q bad "` + target + `"; then echo "Mod.java:1: error: bad" >&2; exit 1; fi`},
		Timeout: 30 * time.Second,
	}
}

func testStore(t *testing.T) *checkpoint.FSStore {
	t.Helper()
	s, err := checkpoint.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s
}

func defaultDeps() Deps {
	return Deps{
		Planner:    &agent.SimulatedPlanner{TasksPerMilestone: 2},
		Executor:   &agent.SimulatedExecutor{},
		Proposer:   proposerFunc(noProposals),
		Summarizer: agent.SimulatedSummarizer{},
		Responder:  agent.SimulatedResponder{},
	}
}

func eventStages(st *agent.State) []string {
	var out []string
	for _, ev := range st.Events {
		out = append(out, ev.Stage)
	}
	return out
}

func TestHappyPathRunsToCompletion(t *testing.T) {
	ws := t.TempDir()
	compiled, err := Build(defaultDeps(), Options{Steps: []verify.Step{passingStep()}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := &agent.State{UserInput: "Add ruby tools", Workspace: ws}
	out, err := compiled.Run(context.Background(), "run1", st, graph.RunOptions{Store: testStore(t)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != graph.StatusCompleted || out.Stage != StageFinalize {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.State.Queues.Done() {
		t.Fatalf("queues not drained: %+v", out.State.Queues)
	}
	if len(out.State.Results) != 2 {
		t.Fatalf("results = %+v", out.State.Results)
	}
	for id, r := range out.State.Results {
		if !r.OK {
			t.Fatalf("task %s failed: %+v", id, r)
		}
	}
	if len(out.State.Failures) != 0 {
		t.Fatalf("failures = %v", out.State.Failures)
	}
	if !strings.Contains(out.State.Summary, "completed 2 task(s)") {
		t.Fatalf("summary = %q", out.State.Summary)
	}

	stages := eventStages(out.State)
	want := []string{
		"intake", "plan_outline", "plan_tasks",
		"execute_task", "verify", "handle_result",
		"execute_task", "verify", "handle_result",
		"finalize",
	}
	for _, ev := range out.State.Events {
		if ev.Stage == string(StageHandleResult) && ev.Fields["status"] != agent.TaskDone {
			t.Fatalf("finished task status = %v, want %q", ev.Fields["status"], agent.TaskDone)
		}
	}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Fatalf("event order:\n got %v\nwant %v", stages, want)
	}
}

func TestBrokenBuildGetsFixedAndRunCompletes(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, "Mod.java")
	if err := os.WriteFile(target, []byte("bad call\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deps := defaultDeps()
	deps.Planner = &agent.SimulatedPlanner{TasksPerMilestone: 1}
	deps.Proposer = proposerFunc(func(_ context.Context, req verify.ProposalRequest) ([]byte, error) {
		if req.Triage.Category != verify.TriageCompile {
			t.Fatalf("triage category = %q", req.Triage.Category)
		}
		return []byte(`[{"path":"Mod.java","old line":"bad call","new line":"good call"}]`), nil
	})
	compiled, err := Build(deps, Options{Steps: []verify.Step{grepStep(target)}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := &agent.State{UserInput: "Fix the mod", Workspace: ws}
	out, err := compiled.Run(context.Background(), "run1", st, graph.RunOptions{Store: testStore(t)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != graph.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.State.Verification == nil || !out.State.Verification.OK {
		t.Fatalf("verification = %+v", out.State.Verification)
	}
	if len(out.State.Failures) != 0 {
		t.Fatalf("failures = %v", out.State.Failures)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "good call\n" {
		t.Fatalf("file not fixed: %q", raw)
	}
}

func TestPersistentFailureAdvancesAndFinalizesWithErrors(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, "Mod.java")
	if err := os.WriteFile(target, []byte("bad forever\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	proposals := 0
	deps := defaultDeps()
	deps.Planner = &agent.SimulatedPlanner{TasksPerMilestone: 2}
	deps.Proposer = proposerFunc(func(context.Context, verify.ProposalRequest) ([]byte, error) {
		proposals++
		// Valid but useless: rewrites the line to itself.
		return []byte(`[{"path":"Mod.java","old line":"bad forever","new line":"bad forever"}]`), nil
	})
	compiled, err := Build(deps, Options{Steps: []verify.Step{grepStep(target)}, MaxFixAttempts: 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := &agent.State{UserInput: "Doomed work", Workspace: ws}
	out, err := compiled.Run(context.Background(), "run1", st, graph.RunOptions{Store: testStore(t)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != graph.StatusCompleted || out.Stage != StageFinalize {
		t.Fatalf("outcome = %+v", out)
	}
	// Two tasks, each verified with 3 bounded attempts and 2 proposals.
	if proposals != 4 {
		t.Fatalf("proposals = %d, want 4", proposals)
	}
	if len(out.State.Failures) != 2 {
		t.Fatalf("failures = %v", out.State.Failures)
	}
	if !out.State.Queues.Done() {
		t.Fatalf("degraded run should still drain the queue: %+v", out.State.Queues)
	}
	if !strings.Contains(out.State.Summary, "unresolved failure") {
		t.Fatalf("summary = %q", out.State.Summary)
	}
	for _, ev := range out.State.Events {
		if ev.Stage == string(StageHandleResult) && ev.Fields["status"] != agent.TaskFailed {
			t.Fatalf("failed task status = %v, want %q", ev.Fields["status"], agent.TaskFailed)
		}
	}
}

func TestHaltPolicyStopsAtFirstFailedTask(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, "Mod.java")
	if err := os.WriteFile(target, []byte("bad forever\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	compiled, err := Build(defaultDeps(), Options{
		Steps:         []verify.Step{grepStep(target)},
		FailurePolicy: PolicyHalt,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := &agent.State{UserInput: "Halt on failure", Workspace: ws}
	out, err := compiled.Run(context.Background(), "run1", st, graph.RunOptions{Store: testStore(t)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Stage != StageFinalize {
		t.Fatalf("outcome = %+v", out)
	}
	// Only the first task executed; the rest stayed queued.
	if len(out.State.Results) != 1 {
		t.Fatalf("results = %+v", out.State.Results)
	}
	if out.State.Queues.Done() {
		t.Fatalf("halt policy should leave the queue untouched")
	}
}

func TestHumanInTheLoopSuspendAndResume(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "Reg.java"), []byte("old();\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deps := defaultDeps()
	deps.Responder = responderFunc(func(_ context.Context, _ *agent.State, followup string) (agent.RespondOutcome, error) {
		if strings.HasPrefix(followup, "edit:") {
			return agent.RespondOutcome{
				Action: agent.ActionEdit,
				Edits: []patch.Edit{{
					Path:    "Reg.java",
					Action:  patch.ActionReplaceLine,
					OldLine: "old();",
					NewLine: "new();",
				}},
			}, nil
		}
		return agent.RespondOutcome{Action: agent.ActionRespond, Reply: "answer: " + followup}, nil
	})
	compiled, err := Build(deps, Options{Steps: []verify.Step{passingStep()}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	store := testStore(t)

	// An empty request parks the run at the await stage.
	st := &agent.State{Workspace: ws}
	out, err := compiled.Run(context.Background(), "run1", st, graph.RunOptions{Store: store})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != graph.StatusSuspended || out.Stage != StageAwaitInput {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.State.AwaitingInput {
		t.Fatalf("awaiting flag not set")
	}

	// A question gets answered and the run parks again.
	out, err = compiled.Resume(context.Background(), "run1", agent.Delta{
		FollowupInput: agent.Str("what changed?"),
	}, graph.RunOptions{Store: store})
	if err != nil {
		t.Fatalf("resume question: %v", err)
	}
	if out.Status != graph.StatusSuspended || out.Stage != StageAwaitInput {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.State.Summary, "answer: what changed?") {
		t.Fatalf("summary = %q", out.State.Summary)
	}

	// An ad-hoc edit applies, verifies, and completes the run.
	out, err = compiled.Resume(context.Background(), "run1", agent.Delta{
		FollowupInput: agent.Str("edit: swap the call"),
	}, graph.RunOptions{Store: store})
	if err != nil {
		t.Fatalf("resume edit: %v", err)
	}
	if out.Status != graph.StatusCompleted || out.Stage != StageFinalize {
		t.Fatalf("outcome = %+v", out)
	}
	raw, err := os.ReadFile(filepath.Join(ws, "Reg.java"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "new();\n" {
		t.Fatalf("edit not applied: %q", raw)
	}
	if out.State.LastAction != agent.ActionEdit {
		t.Fatalf("last action = %q", out.State.LastAction)
	}
}

type responderFunc func(ctx context.Context, st *agent.State, followup string) (agent.RespondOutcome, error)

func (f responderFunc) Respond(ctx context.Context, st *agent.State, followup string) (agent.RespondOutcome, error) {
	return f(ctx, st, followup)
}
