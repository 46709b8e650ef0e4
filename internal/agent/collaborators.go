package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/modsmith/modsmith/internal/patch"
)

// PlanRequest carries what a planner needs to break a milestone into tasks.
type PlanRequest struct {
	UserInput string
	Milestone Milestone
	MaxTasks  int
}

// Planner turns user intent into milestones and milestones into tasks.
type Planner interface {
	Outline(ctx context.Context, userInput string) ([]Milestone, error)
	PlanTasks(ctx context.Context, req PlanRequest) ([]Task, error)
}

// TaskExecutor performs one task inside the workspace.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, workspace string, task Task) (TaskResult, error)
}

// Summarizer produces the end-of-run summary.
type Summarizer interface {
	Summarize(ctx context.Context, st *State) (string, error)
}

// RespondOutcome is what handling one follow-up message produced. Action
// selects the route taken afterwards: ActionTask queues new planning,
// ActionEdit applies Edits and re-verifies, ActionRespond just replies.
type RespondOutcome struct {
	Reply  string
	Action string
	Edits  []patch.Edit
}

// Responder handles a follow-up message on a suspended run.
type Responder interface {
	Respond(ctx context.Context, st *State, followup string) (RespondOutcome, error)
}

// SimulatedPlanner is a deterministic Planner for tests and dry runs: one
// milestone per input sentence, a fixed number of tasks per milestone.
type SimulatedPlanner struct {
	TasksPerMilestone int
}

func (p *SimulatedPlanner) Outline(_ context.Context, userInput string) ([]Milestone, error) {
	var out []Milestone
	for i, part := range strings.Split(userInput, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, Milestone{
			ID:        fmt.Sprintf("m%d", i+1),
			Title:     part,
			Objective: part,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("simulated planner: empty input")
	}
	return out, nil
}

func (p *SimulatedPlanner) PlanTasks(_ context.Context, req PlanRequest) ([]Task, error) {
	n := p.TasksPerMilestone
	if n <= 0 {
		n = 2
	}
	if req.MaxTasks > 0 && n > req.MaxTasks {
		n = req.MaxTasks
	}
	var out []Task
	for i := 1; i <= n; i++ {
		out = append(out, Task{
			ID:    fmt.Sprintf("%s-t%d", req.Milestone.ID, i),
			Type:  "generate",
			Title: fmt.Sprintf("%s (step %d)", req.Milestone.Title, i),
		})
	}
	return out, nil
}

// SimulatedExecutor is a deterministic TaskExecutor. FailIDs lists task ids
// that report failure.
type SimulatedExecutor struct {
	FailIDs map[string]bool
}

func (e *SimulatedExecutor) ExecuteTask(_ context.Context, _ string, task Task) (TaskResult, error) {
	if e.FailIDs[task.ID] {
		return TaskResult{TaskID: task.ID, Detail: "simulated failure"}, nil
	}
	return TaskResult{TaskID: task.ID, OK: true, Detail: "simulated: " + task.Title}, nil
}

// SimulatedSummarizer reports counts from the result map.
type SimulatedSummarizer struct{}

func (SimulatedSummarizer) Summarize(_ context.Context, st *State) (string, error) {
	done, failed := 0, 0
	for _, r := range st.Results {
		if r.OK {
			done++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("completed %d task(s), %d failed", done, failed), nil
}

// SimulatedResponder answers every follow-up with a plain reply.
type SimulatedResponder struct{}

func (SimulatedResponder) Respond(_ context.Context, _ *State, followup string) (RespondOutcome, error) {
	return RespondOutcome{
		Reply:  "noted: " + strings.TrimSpace(followup),
		Action: ActionRespond,
	}, nil
}
