// Package agent holds the shared run state of a workflow and the
// collaborator interfaces the stages call out to.
//
// State is a single structured record: stages never mutate it directly but
// return a Delta, and the executor merges deltas with last-writer-wins
// per-field semantics. Events and Failures are append-only.
package agent

import (
	"time"

	"github.com/modsmith/modsmith/internal/verify"
)

// Actions recorded in State.LastAction.
const (
	ActionTask    = "task"
	ActionEdit    = "edit"
	ActionRespond = "respond"
)

// Event is one entry in the per-run event log. The log is totally ordered:
// the executor appends exactly one event per completed stage invocation.
type Event struct {
	Seq    int            `json:"seq"`
	Stage  string         `json:"stage"`
	OK     bool           `json:"ok"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TaskResult records the outcome of one executed task.
type TaskResult struct {
	TaskID string   `json:"task_id"`
	OK     bool     `json:"ok"`
	Detail string   `json:"detail,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// State is the shared record threaded through every stage of a run.
type State struct {
	RunID     string `json:"run_id"`
	Workspace string `json:"workspace"`

	UserInput     string `json:"user_input"`
	FollowupInput string `json:"followup_input"`
	AwaitingInput bool   `json:"awaiting_input"`

	Queues Queues `json:"queues"`

	Results      map[string]TaskResult `json:"results,omitempty"`
	Verification *verify.Result        `json:"verification,omitempty"`

	LastAction string `json:"last_action,omitempty"`
	RouteHint  string `json:"route_hint,omitempty"`
	Summary    string `json:"summary,omitempty"`

	Failures []string `json:"failures,omitempty"`
	Events   []Event  `json:"events,omitempty"`
}

// Delta is the write set of one stage invocation. Nil pointer fields leave
// the corresponding State field untouched; Results merges by task id;
// Events and Failures append.
type Delta struct {
	UserInput     *string
	FollowupInput *string
	AwaitingInput *bool

	Queues *Queues

	Results      map[string]TaskResult
	Verification *verify.Result

	LastAction *string
	RouteHint  *string
	Summary    *string

	Failures []string
	Events   []Event
}

// Apply merges d into s. Set fields win wholesale; append-only fields are
// extended in order.
func (s *State) Apply(d Delta) {
	if d.UserInput != nil {
		s.UserInput = *d.UserInput
	}
	if d.FollowupInput != nil {
		s.FollowupInput = *d.FollowupInput
	}
	if d.AwaitingInput != nil {
		s.AwaitingInput = *d.AwaitingInput
	}
	if d.Queues != nil {
		s.Queues = d.Queues.clone()
	}
	if len(d.Results) > 0 {
		if s.Results == nil {
			s.Results = map[string]TaskResult{}
		}
		for id, r := range d.Results {
			s.Results[id] = r
		}
	}
	if d.Verification != nil {
		s.Verification = d.Verification
	}
	if d.LastAction != nil {
		s.LastAction = *d.LastAction
	}
	if d.RouteHint != nil {
		s.RouteHint = *d.RouteHint
	}
	if d.Summary != nil {
		s.Summary = *d.Summary
	}
	s.Failures = append(s.Failures, d.Failures...)
	for _, ev := range d.Events {
		ev.Seq = len(s.Events) + 1
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		s.Events = append(s.Events, ev)
	}
}

// Clone deep-copies the state for snapshots.
func (s *State) Clone() *State {
	out := *s
	out.Queues = s.Queues.clone()
	if s.Results != nil {
		out.Results = make(map[string]TaskResult, len(s.Results))
		for id, r := range s.Results {
			out.Results[id] = r
		}
	}
	out.Failures = append([]string(nil), s.Failures...)
	out.Events = append([]Event(nil), s.Events...)
	return &out
}

// Snapshot is the public progress view of a run: cursor positions and
// queue sizes, never raw collaborator payloads.
func (s *State) Snapshot() map[string]any {
	snap := map[string]any{
		"run_id":         s.RunID,
		"tasks_pending":  len(s.Queues.Tasks),
		"milestones":     len(s.Queues.Milestones),
		"awaiting_input": s.AwaitingInput,
		"events":         len(s.Events),
		"failures":       len(s.Failures),
	}
	if !s.Queues.CurrentTask.IsZero() {
		snap["current_task"] = s.Queues.CurrentTask.ID
	}
	if !s.Queues.CurrentMilestone.IsZero() {
		snap["current_milestone"] = s.Queues.CurrentMilestone.ID
	}
	if s.Verification != nil {
		snap["verify_ok"] = s.Verification.OK
	}
	return snap
}

// String pointer helpers for building deltas.

func Str(v string) *string { return &v }
func Bool(v bool) *bool    { return &v }
