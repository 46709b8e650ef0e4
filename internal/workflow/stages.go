package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/graph"
	"github.com/modsmith/modsmith/internal/patch"
	"github.com/modsmith/modsmith/internal/verify"
)

// stages holds the collaborators behind the stage functions.
type stages struct {
	deps Deps
	opts Options
}

func event(stage graph.Stage, ok bool, fields map[string]any) agent.Event {
	return agent.Event{Stage: string(stage), OK: ok, Fields: fields}
}

// intake normalizes the initial request. An empty request parks the run at
// the await stage instead of planning from nothing.
func (s *stages) intake(_ context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	input := strings.TrimSpace(st.UserInput)
	return agent.Delta{
		UserInput: agent.Str(input),
		Events:    []agent.Event{event(StageIntake, true, map[string]any{"has_input": input != ""})},
	}, graph.Continue, nil
}

func (s *stages) planOutline(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	milestones, err := s.deps.Planner.Outline(ctx, st.UserInput)
	if err != nil {
		return agent.Delta{}, graph.Continue, fmt.Errorf("plan outline: %w", err)
	}
	q := st.Queues
	q.LoadMilestones(milestones)
	return agent.Delta{
		Queues: &q,
		Events: []agent.Event{event(StagePlanOutline, true, map[string]any{"milestones": len(milestones)})},
	}, graph.Continue, nil
}

// planTasks fills the task queue for the current milestone. A planner that
// returns nothing for a milestone pops it so the run cannot spin on it.
func (s *stages) planTasks(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	q := st.Queues
	if q.CurrentMilestone.IsZero() {
		return agent.Delta{
			Events: []agent.Event{event(StagePlanTasks, true, map[string]any{"planned": 0})},
		}, graph.Continue, nil
	}
	tasks, err := s.deps.Planner.PlanTasks(ctx, agent.PlanRequest{
		UserInput: st.UserInput,
		Milestone: q.CurrentMilestone,
		MaxTasks:  s.opts.MaxTasks,
	})
	if err != nil {
		return agent.Delta{}, graph.Continue, fmt.Errorf("plan tasks: %w", err)
	}
	if len(tasks) == 0 {
		q.LoadMilestones(q.Milestones[1:])
		return agent.Delta{
			Queues: &q,
			Events: []agent.Event{event(StagePlanTasks, true, map[string]any{
				"planned":          0,
				"milestone_popped": true,
			})},
		}, graph.Continue, nil
	}
	q.LoadTasks(tasks)
	return agent.Delta{
		Queues: &q,
		Events: []agent.Event{event(StagePlanTasks, true, map[string]any{
			"planned":   len(tasks),
			"milestone": q.CurrentMilestone.ID,
		})},
	}, graph.Continue, nil
}

// executeTask runs the head task. Executor failure is business data, not a
// run-fatal error: it lands in the result map and the verify stage decides
// what happens next.
func (s *stages) executeTask(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	task := st.Queues.CurrentTask
	if task.IsZero() {
		return agent.Delta{}, graph.Continue, fmt.Errorf("execute task: empty cursor")
	}
	res, err := s.deps.Executor.ExecuteTask(ctx, st.Workspace, task)
	if err != nil {
		res = agent.TaskResult{TaskID: task.ID, Detail: err.Error()}
	}
	res.TaskID = task.ID
	return agent.Delta{
		Results:    map[string]agent.TaskResult{task.ID: res},
		LastAction: agent.Str(agent.ActionTask),
		Events: []agent.Event{event(StageExecuteTask, res.OK, map[string]any{
			"task": task.ID,
		})},
	}, graph.Continue, nil
}

// verify runs the build pipeline with the bounded auto-fix loop around it
// and replaces the verification record wholesale.
func (s *stages) verify(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	logDir := filepath.Join(st.Workspace, "_ms_logs")
	fixer := &verify.Fixer{
		Runner: &verify.Runner{
			Workspace:      st.Workspace,
			LogDir:         logDir,
			Steps:          s.opts.Steps,
			StartupMarkers: s.opts.StartupMarkers,
		},
		Proposer: s.deps.Proposer,
		Applicator: &patch.Applicator{
			Root:      st.Workspace,
			Allow:     s.opts.AllowPatterns,
			Namespace: s.opts.AnchorNS,
		},
		MaxAttempts: s.opts.MaxFixAttempts,
		AuditDir:    filepath.Join(logDir, "fixes"),
	}
	out, err := fixer.Run(ctx)
	if err != nil {
		return agent.Delta{}, graph.Continue, fmt.Errorf("verify: %w", err)
	}
	d := agent.Delta{
		Verification: out.Result,
		Events: []agent.Event{event(StageVerify, out.Status == verify.FixSuccess, map[string]any{
			"attempts": out.Attempts,
			"status":   string(out.Status),
		})},
	}
	if out.Status != verify.FixSuccess {
		subject := st.Queues.CurrentTask.ID
		if st.LastAction == agent.ActionEdit || subject == "" {
			subject = "ad-hoc edit"
		}
		msg := fmt.Sprintf("%s: %s", subject, out.Reason)
		if out.Result != nil && out.Result.FirstError != nil {
			msg = fmt.Sprintf("%s (step %s, log %s)", msg, out.Result.FirstError.Name, out.Result.FirstError.LogPath)
		}
		d.Failures = []string{msg}
	}
	return d, graph.Continue, nil
}

// handleResult stamps the head task with its terminal status and advances
// the queue cursor past it.
func (s *stages) handleResult(_ context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	q := st.Queues
	done := q.CurrentTask.ID
	status := agent.TaskDone
	if res, ok := st.Results[done]; ok && !res.OK {
		status = agent.TaskFailed
	}
	if st.Verification != nil && !st.Verification.OK {
		status = agent.TaskFailed
	}
	q.FinishCurrent(status)
	q.Advance()
	return agent.Delta{
		Queues: &q,
		Events: []agent.Event{event(StageHandleResult, true, map[string]any{
			"advanced_past": done,
			"status":        status,
			"tasks_left":    len(q.Tasks),
		})},
	}, graph.Continue, nil
}

// awaitInput is the only suspension point: with no pending input the run
// parks here and a later resume re-executes the stage with the follow-up
// merged in.
func (s *stages) awaitInput(_ context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	if strings.TrimSpace(st.FollowupInput) == "" {
		return agent.Delta{AwaitingInput: agent.Bool(true)}, graph.Suspend, nil
	}
	return agent.Delta{
		AwaitingInput: agent.Bool(false),
		Events:        []agent.Event{event(StageAwaitInput, true, nil)},
	}, graph.Continue, nil
}

// respond consumes the follow-up. Edits are applied here; verification of
// the edit happens on the verify path the router picks next.
func (s *stages) respond(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	followup := strings.TrimSpace(st.FollowupInput)
	out, err := s.deps.Responder.Respond(ctx, st, followup)
	if err != nil {
		return agent.Delta{}, graph.Continue, fmt.Errorf("respond: %w", err)
	}
	d := agent.Delta{
		FollowupInput: agent.Str(""),
		UserInput:     agent.Str(followup),
	}
	fields := map[string]any{"action": out.Action}
	switch out.Action {
	case agent.ActionEdit:
		app := &patch.Applicator{
			Root:      st.Workspace,
			Allow:     s.opts.AllowPatterns,
			Namespace: s.opts.AnchorNS,
		}
		sum := app.Apply(out.Edits)
		fields["edits_applied"] = sum.Applied
		d.LastAction = agent.Str(agent.ActionEdit)
		d.RouteHint = agent.Str(string(StageVerify))
		if !sum.OK {
			d.Failures = []string{fmt.Sprintf("ad-hoc edit: %d of %d edits rejected", len(sum.Results)-sum.Applied, len(sum.Results))}
		}
	case agent.ActionRespond:
		d.LastAction = agent.Str(agent.ActionRespond)
		d.RouteHint = agent.Str(string(StageAwaitInput))
		d.Summary = agent.Str(out.Reply)
	default:
		// New work requested: outline it so the planning stages have a
		// milestone to chew on.
		milestones, err := s.deps.Planner.Outline(ctx, followup)
		if err != nil {
			return agent.Delta{}, graph.Continue, fmt.Errorf("respond outline: %w", err)
		}
		q := st.Queues
		q.LoadMilestones(append(q.Milestones, milestones...))
		d.Queues = &q
		fields["milestones"] = len(milestones)
		d.LastAction = agent.Str(agent.ActionTask)
		d.RouteHint = agent.Str(string(StagePlanTasks))
	}
	d.Events = []agent.Event{event(StageRespond, true, fields)}
	return d, graph.Continue, nil
}

// finalize summarizes the run. Recorded failures make it a
// finalize-with-errors: the summary names them instead of hiding them.
func (s *stages) finalize(ctx context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
	summary, err := s.deps.Summarizer.Summarize(ctx, st)
	if err != nil {
		return agent.Delta{}, graph.Continue, fmt.Errorf("finalize: %w", err)
	}
	if len(st.Failures) > 0 {
		summary = fmt.Sprintf("%s; %d unresolved failure(s): %s",
			summary, len(st.Failures), strings.Join(st.Failures, "; "))
	}
	return agent.Delta{
		Summary: agent.Str(summary),
		Events: []agent.Event{event(StageFinalize, len(st.Failures) == 0, map[string]any{
			"failures": len(st.Failures),
		})},
	}, graph.Continue, nil
}
