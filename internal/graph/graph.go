// Package graph implements a compiled stage graph and the executor that
// drives it: stages as registered functions, fixed and conditional edges,
// checkpointing after every stage, and suspend/resume at stage boundaries.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/modsmith/modsmith/internal/agent"
)

// Stage names a node in the graph.
type Stage string

// Signal tells the executor how a stage invocation ended: either control
// flows onward, or the run suspends at this stage waiting for external
// input. There is no third case.
type Signal int

const (
	Continue Signal = iota
	Suspend
)

// StageFunc is one stage implementation. It never mutates st; all writes
// come back in the Delta. A returned error terminates the run.
type StageFunc func(ctx context.Context, st *agent.State) (agent.Delta, Signal, error)

// RouterFunc picks the next stage from read-only state. Routers must be
// pure: the executor may call them again while replaying a resume.
type RouterFunc func(st *agent.State) Stage

type router struct {
	fn      RouterFunc
	targets map[Stage]bool
}

// Graph is the mutable builder. Compile validates and freezes it.
type Graph struct {
	stages    map[Stage]StageFunc
	edges     map[Stage]Stage
	routers   map[Stage]*router
	entry     Stage
	terminals map[Stage]bool
	problems  []string
}

// New returns an empty graph builder.
func New() *Graph {
	return &Graph{
		stages:    map[Stage]StageFunc{},
		edges:     map[Stage]Stage{},
		routers:   map[Stage]*router{},
		terminals: map[Stage]bool{},
	}
}

// Register adds a stage. Registering the same name twice is a compile
// error, not a silent overwrite.
func (g *Graph) Register(name Stage, fn StageFunc) {
	if _, dup := g.stages[name]; dup {
		g.problems = append(g.problems, fmt.Sprintf("stage %q registered twice", name))
		return
	}
	if fn == nil {
		g.problems = append(g.problems, fmt.Sprintf("stage %q has nil func", name))
		return
	}
	g.stages[name] = fn
}

// SetEntry marks the single entry stage.
func (g *Graph) SetEntry(name Stage) {
	if g.entry != "" && g.entry != name {
		g.problems = append(g.problems, fmt.Sprintf("entry set twice: %q then %q", g.entry, name))
		return
	}
	g.entry = name
}

// SetTerminal marks a stage as terminal: reaching it ends the run.
func (g *Graph) SetTerminal(name Stage) {
	g.terminals[name] = true
}

// Connect adds the fixed edge from -> to.
func (g *Graph) Connect(from, to Stage) {
	if prev, dup := g.edges[from]; dup && prev != to {
		g.problems = append(g.problems, fmt.Sprintf("stage %q has two fixed edges", from))
		return
	}
	g.edges[from] = to
}

// ConnectConditional attaches a router to from. Every stage the router can
// return must be declared in targets; a self-target is allowed.
func (g *Graph) ConnectConditional(from Stage, fn RouterFunc, targets ...Stage) {
	if _, dup := g.routers[from]; dup {
		g.problems = append(g.problems, fmt.Sprintf("stage %q has two routers", from))
		return
	}
	set := map[Stage]bool{}
	for _, t := range targets {
		set[t] = true
	}
	g.routers[from] = &router{fn: fn, targets: set}
}

// Compile validates the topology and returns an executable graph. All
// accumulated configuration problems are reported together.
func (g *Graph) Compile() (*Compiled, error) {
	problems := append([]string(nil), g.problems...)
	known := func(s Stage) bool { _, ok := g.stages[s]; return ok }

	if g.entry == "" {
		problems = append(problems, "no entry stage")
	} else if !known(g.entry) {
		problems = append(problems, fmt.Sprintf("entry stage %q not registered", g.entry))
	}
	if len(g.terminals) == 0 {
		problems = append(problems, "no terminal stage")
	}
	for t := range g.terminals {
		if !known(t) {
			problems = append(problems, fmt.Sprintf("terminal stage %q not registered", t))
		}
	}
	for from, to := range g.edges {
		if !known(from) {
			problems = append(problems, fmt.Sprintf("edge from unknown stage %q", from))
		}
		if !known(to) {
			problems = append(problems, fmt.Sprintf("edge %q -> unknown stage %q", from, to))
		}
		if _, both := g.routers[from]; both {
			problems = append(problems, fmt.Sprintf("stage %q has both a fixed edge and a router", from))
		}
	}
	for from, r := range g.routers {
		if !known(from) {
			problems = append(problems, fmt.Sprintf("router on unknown stage %q", from))
		}
		if r.fn == nil {
			problems = append(problems, fmt.Sprintf("stage %q router is nil", from))
		}
		if len(r.targets) == 0 {
			problems = append(problems, fmt.Sprintf("stage %q router declares no targets", from))
		}
		for t := range r.targets {
			if !known(t) {
				problems = append(problems, fmt.Sprintf("stage %q router targets unknown stage %q", from, t))
			}
		}
	}
	for name := range g.stages {
		if g.terminals[name] {
			continue
		}
		_, hasEdge := g.edges[name]
		_, hasRouter := g.routers[name]
		if !hasEdge && !hasRouter {
			problems = append(problems, fmt.Sprintf("non-terminal stage %q has no outgoing edge", name))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("graph compile: %d problem(s): %v", len(problems), problems)
	}

	c := &Compiled{
		stages:    make(map[Stage]StageFunc, len(g.stages)),
		edges:     make(map[Stage]Stage, len(g.edges)),
		routers:   make(map[Stage]*router, len(g.routers)),
		entry:     g.entry,
		terminals: make(map[Stage]bool, len(g.terminals)),
	}
	for k, v := range g.stages {
		c.stages[k] = v
	}
	for k, v := range g.edges {
		c.edges[k] = v
	}
	for k, v := range g.routers {
		c.routers[k] = v
	}
	for k := range g.terminals {
		c.terminals[k] = true
	}
	return c, nil
}
