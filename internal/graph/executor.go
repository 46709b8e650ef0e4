package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/checkpoint"
)

// RunStatus is how a run ended for now: done, or parked at a stage.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusSuspended RunStatus = "suspended"
)

// ErrRunCompleted is returned when resuming a run whose checkpoint is
// final.
var ErrRunCompleted = errors.New("graph: run already completed")

// RunOptions configures one Run or Resume call.
type RunOptions struct {
	// Store receives a checkpoint after every stage boundary. Required.
	Store checkpoint.Store
	// Progress, when set, is called with a state snapshot after every
	// completed stage. It must not block.
	Progress func(stage Stage, snapshot map[string]any)
}

// Outcome is the terminal report of a Run or Resume call.
type Outcome struct {
	Status RunStatus
	Stage  Stage
	State  *agent.State
}

// Compiled is an immutable, validated graph ready to execute.
type Compiled struct {
	stages    map[Stage]StageFunc
	edges     map[Stage]Stage
	routers   map[Stage]*router
	entry     Stage
	terminals map[Stage]bool
}

// Entry returns the entry stage name.
func (c *Compiled) Entry() Stage { return c.entry }

// Run starts a fresh run from the entry stage.
func (c *Compiled) Run(ctx context.Context, runID string, st *agent.State, opts RunOptions) (*Outcome, error) {
	if opts.Store == nil {
		return nil, errors.New("graph: RunOptions.Store is required")
	}
	if runID == "" {
		return nil, errors.New("graph: empty run id")
	}
	st.RunID = runID
	return c.loop(ctx, runID, c.entry, 0, st, opts)
}

// Resume rehydrates a suspended run from its checkpoint, merges delta into
// the restored state, and continues from the suspended stage. No earlier
// stage re-executes.
func (c *Compiled) Resume(ctx context.Context, runID string, delta agent.Delta, opts RunOptions) (*Outcome, error) {
	if opts.Store == nil {
		return nil, errors.New("graph: RunOptions.Store is required")
	}
	cp, err := opts.Store.Load(runID)
	if err != nil {
		return nil, err
	}
	if cp.Final {
		return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}
	stage := Stage(cp.Stage)
	if _, ok := c.stages[stage]; !ok {
		return nil, fmt.Errorf("graph: checkpoint of %s names unknown stage %q", runID, cp.Stage)
	}
	st := cp.State.Clone()
	st.Apply(delta)
	return c.loop(ctx, runID, stage, cp.Seq, st, opts)
}

func (c *Compiled) loop(ctx context.Context, runID string, current Stage, seq int, st *agent.State, opts RunOptions) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fn, ok := c.stages[current]
		if !ok {
			return nil, fmt.Errorf("graph: unknown stage %q", current)
		}

		delta, sig, err := invoke(ctx, fn, st)
		if err != nil {
			return nil, fmt.Errorf("graph: stage %s: %w", current, err)
		}

		if sig == Suspend {
			// Park at this stage: it re-executes on resume, so no event is
			// appended and the suspended invocation leaves no trace beyond
			// the fields it set.
			st.Apply(agent.Delta{
				UserInput:     delta.UserInput,
				FollowupInput: delta.FollowupInput,
				AwaitingInput: delta.AwaitingInput,
				RouteHint:     delta.RouteHint,
			})
			seq++
			if err := c.save(opts.Store, runID, current, seq, false, st); err != nil {
				return nil, err
			}
			return &Outcome{Status: StatusSuspended, Stage: current, State: st}, nil
		}

		ensureEvent(&delta, current)
		st.Apply(delta)

		if c.terminals[current] {
			seq++
			if err := c.save(opts.Store, runID, current, seq, true, st); err != nil {
				return nil, err
			}
			c.emit(opts, current, st)
			return &Outcome{Status: StatusCompleted, Stage: current, State: st}, nil
		}

		next, err := c.nextStage(current, st)
		if err != nil {
			return nil, err
		}
		seq++
		if err := c.save(opts.Store, runID, next, seq, false, st); err != nil {
			return nil, err
		}
		c.emit(opts, current, st)
		current = next
	}
}

func (c *Compiled) nextStage(current Stage, st *agent.State) (Stage, error) {
	if to, ok := c.edges[current]; ok {
		return to, nil
	}
	r, ok := c.routers[current]
	if !ok {
		return "", fmt.Errorf("graph: stage %q has no outgoing edge", current)
	}
	target := r.fn(st)
	if !r.targets[target] {
		return "", fmt.Errorf("graph: router on %q chose undeclared target %q", current, target)
	}
	return target, nil
}

func (c *Compiled) save(store checkpoint.Store, runID string, stage Stage, seq int, final bool, st *agent.State) error {
	return store.Save(&checkpoint.Checkpoint{
		RunID: runID,
		Stage: string(stage),
		Seq:   seq,
		Final: final,
		State: *st.Clone(),
	})
}

func (c *Compiled) emit(opts RunOptions, stage Stage, st *agent.State) {
	if opts.Progress == nil {
		return
	}
	snap := st.Snapshot()
	snap["stage"] = string(stage)
	opts.Progress(stage, snap)
}

// ensureEvent guarantees exactly one event per completed invocation: a
// stage that reported none gets a bare success entry.
func ensureEvent(d *agent.Delta, stage Stage) {
	for _, ev := range d.Events {
		if ev.Stage == string(stage) {
			return
		}
	}
	d.Events = append(d.Events, agent.Event{Stage: string(stage), OK: true})
}

// invoke shields the executor from a panicking stage; the panic surfaces
// as a stage error with its stack attached.
func invoke(ctx context.Context, fn StageFunc, st *agent.State) (d agent.Delta, sig Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, st)
}
