// Package workflow assembles the code-generation pipeline: planning,
// task execution, build verification with auto-fix, human follow-ups, and
// finalization, wired as a compiled stage graph.
package workflow

import (
	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/graph"
	"github.com/modsmith/modsmith/internal/verify"
)

// Stage names.
const (
	StageIntake       graph.Stage = "intake"
	StagePlanOutline  graph.Stage = "plan_outline"
	StagePlanTasks    graph.Stage = "plan_tasks"
	StageExecuteTask  graph.Stage = "execute_task"
	StageVerify       graph.Stage = "verify"
	StageHandleResult graph.Stage = "handle_result"
	StageAwaitInput   graph.Stage = "await_input"
	StageRespond      graph.Stage = "respond"
	StageFinalize     graph.Stage = "finalize"
)

// Failure policies for a task whose verification never went green.
const (
	PolicyAdvance = "advance" // keep going with the next task, degraded
	PolicyHalt    = "halt"    // stop the run and report
)

// Options tunes the pipeline independent of the collaborators.
type Options struct {
	Steps          []verify.Step
	StartupMarkers []string
	MaxFixAttempts int
	FailurePolicy  string
	AllowPatterns  []string
	AnchorNS       string
	MaxTasks       int
}

func (o *Options) applyDefaults() {
	if o.MaxFixAttempts <= 0 {
		o.MaxFixAttempts = verify.DefaultMaxAttempts
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = PolicyAdvance
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = 5
	}
}

// Deps are the external collaborators the stages call out to.
type Deps struct {
	Planner    agent.Planner
	Executor   agent.TaskExecutor
	Proposer   verify.FixProposer
	Summarizer agent.Summarizer
	Responder  agent.Responder
}

// Build compiles the pipeline graph.
func Build(deps Deps, opts Options) (*graph.Compiled, error) {
	opts.applyDefaults()
	s := &stages{deps: deps, opts: opts}

	g := graph.New()
	g.Register(StageIntake, s.intake)
	g.Register(StagePlanOutline, s.planOutline)
	g.Register(StagePlanTasks, s.planTasks)
	g.Register(StageExecuteTask, s.executeTask)
	g.Register(StageVerify, s.verify)
	g.Register(StageHandleResult, s.handleResult)
	g.Register(StageAwaitInput, s.awaitInput)
	g.Register(StageRespond, s.respond)
	g.Register(StageFinalize, s.finalize)

	g.SetEntry(StageIntake)
	g.SetTerminal(StageFinalize)

	g.ConnectConditional(StageIntake, routeAfterIntake, StagePlanOutline, StageAwaitInput)
	g.Connect(StagePlanOutline, StagePlanTasks)
	g.ConnectConditional(StagePlanTasks, routeAfterPlanning, StageExecuteTask, StagePlanTasks, StageFinalize)
	g.Connect(StageExecuteTask, StageVerify)
	g.ConnectConditional(StageVerify, s.routeAfterVerify, StageHandleResult, StageFinalize)
	g.ConnectConditional(StageHandleResult, routeAfterPlanning, StageExecuteTask, StagePlanTasks, StageFinalize)
	g.ConnectConditional(StageAwaitInput, routeAfterAwait, StageRespond, StageAwaitInput)
	g.ConnectConditional(StageRespond, routeAfterRespond, StagePlanTasks, StageVerify, StageAwaitInput)

	return g.Compile()
}

// Routers. All of them are pure functions of the state.

func routeAfterIntake(st *agent.State) graph.Stage {
	if st.UserInput == "" {
		return StageAwaitInput
	}
	return StagePlanOutline
}

// routeAfterPlanning is shared by plan_tasks and handle_result: run the
// head task when there is one, plan more when only milestones remain, and
// finish when both queues drained.
func routeAfterPlanning(st *agent.State) graph.Stage {
	switch {
	case st.Queues.HasWork():
		return StageExecuteTask
	case st.Queues.NeedsPlanning():
		return StagePlanTasks
	default:
		return StageFinalize
	}
}

func (s *stages) routeAfterVerify(st *agent.State) graph.Stage {
	ok := st.Verification != nil && st.Verification.OK
	if ok {
		if st.LastAction == agent.ActionEdit {
			return StageFinalize
		}
		return StageHandleResult
	}
	if s.opts.FailurePolicy == PolicyHalt {
		return StageFinalize
	}
	// Degraded continuation: advance past the broken task so the rest of
	// the queue still runs; the planning router decides when to wrap up.
	return StageHandleResult
}

func routeAfterAwait(st *agent.State) graph.Stage {
	if st.FollowupInput == "" {
		return StageAwaitInput
	}
	return StageRespond
}

func routeAfterRespond(st *agent.State) graph.Stage {
	switch st.RouteHint {
	case string(StageVerify):
		return StageVerify
	case string(StageAwaitInput):
		return StageAwaitInput
	default:
		return StagePlanTasks
	}
}
