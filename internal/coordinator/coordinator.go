// Package coordinator owns the run registry and the single-active-run
// policy: any number of runs can exist in the checkpoint store, but at
// most one executes at a time. Everything else observes runs through
// checkpoints and the progress broadcaster.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/checkpoint"
	"github.com/modsmith/modsmith/internal/graph"
)

var (
	// ErrRunActive is returned when a start or resume loses the race for
	// the single execution slot.
	ErrRunActive = errors.New("coordinator: another run is active")
	// ErrUnknownRun is returned for ids with no checkpoint and no live
	// registry entry.
	ErrUnknownRun = errors.New("coordinator: unknown run")
)

// RunInfo is the registry view of one run.
type RunInfo struct {
	RunID     string          `json:"run_id"`
	Active    bool            `json:"active"`
	Status    graph.RunStatus `json:"status,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Err       string          `json:"error,omitempty"`
}

type runState struct {
	info        RunInfo
	broadcaster *Broadcaster
}

// Coordinator serializes run execution over a compiled graph and a shared
// checkpoint store.
type Coordinator struct {
	compiled *graph.Compiled
	store    *checkpoint.FSStore

	mu     sync.Mutex
	runs   map[string]*runState
	active string
}

// New builds a coordinator over the compiled pipeline and store.
func New(compiled *graph.Compiled, store *checkpoint.FSStore) *Coordinator {
	return &Coordinator{
		compiled: compiled,
		store:    store,
		runs:     map[string]*runState{},
	}
}

// NewRunID mints a sortable run id.
func NewRunID() string {
	return ulid.Make().String()
}

// Start executes a fresh run synchronously and returns its outcome. An
// empty runID mints one; the id is available via Outcome.State.RunID.
// While any run holds the execution slot every other Start fails fast
// with ErrRunActive.
func (c *Coordinator) Start(ctx context.Context, runID string, st *agent.State) (*graph.Outcome, error) {
	if runID == "" {
		runID = NewRunID()
	}
	rs, err := c.acquire(runID)
	if err != nil {
		return nil, err
	}
	defer c.release(runID)

	out, err := c.compiled.Run(ctx, runID, st, c.runOptions(runID, rs))
	c.record(runID, out, err)
	return out, err
}

// Resume rehydrates a checkpointed run and continues it, holding the same
// execution slot as Start.
func (c *Coordinator) Resume(ctx context.Context, runID string, delta agent.Delta) (*graph.Outcome, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownRun)
	}
	if _, err := c.store.Load(runID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return nil, err
	}
	rs, err := c.acquire(runID)
	if err != nil {
		return nil, err
	}
	defer c.release(runID)

	out, err := c.compiled.Resume(ctx, runID, delta, c.runOptions(runID, rs))
	c.record(runID, out, err)
	return out, err
}

// Info reports the registry entry for a run; for ids only present in the
// store it synthesizes one from the checkpoint. Safe to call while a run
// executes.
func (c *Coordinator) Info(runID string) (RunInfo, error) {
	c.mu.Lock()
	if rs, ok := c.runs[runID]; ok {
		info := rs.info
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	cp, err := c.store.Load(runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return RunInfo{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return RunInfo{}, err
	}
	status := graph.StatusSuspended
	if cp.Final {
		status = graph.StatusCompleted
	}
	return RunInfo{RunID: runID, Status: status, Stage: cp.Stage, StartedAt: cp.SavedAt}, nil
}

// List merges live registry entries with checkpointed runs.
func (c *Coordinator) List() ([]RunInfo, error) {
	ids, err := c.store.List()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []RunInfo
	c.mu.Lock()
	for id, rs := range c.runs {
		out = append(out, rs.info)
		seen[id] = true
	}
	c.mu.Unlock()
	for _, id := range ids {
		if seen[id] {
			continue
		}
		info, err := c.Info(id)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Subscribe attaches to a run's progress stream.
func (c *Coordinator) Subscribe(runID string) (<-chan map[string]any, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	ch, cancel := rs.broadcaster.Subscribe(64)
	return ch, cancel, nil
}

func (c *Coordinator) acquire(runID string) (*runState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, c.active)
	}
	c.active = runID
	rs, ok := c.runs[runID]
	if !ok {
		rs = &runState{}
		c.runs[runID] = rs
	}
	// Each activation gets a fresh stream; the previous one was closed on
	// release.
	rs.broadcaster = NewBroadcaster()
	rs.info = RunInfo{RunID: runID, Active: true, StartedAt: time.Now().UTC()}
	return rs, nil
}

func (c *Coordinator) release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == runID {
		c.active = ""
	}
	if rs, ok := c.runs[runID]; ok {
		rs.info.Active = false
		rs.broadcaster.Close()
	}
}

func (c *Coordinator) record(runID string, out *graph.Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.runs[runID]
	if !ok {
		return
	}
	if err != nil {
		rs.info.Err = err.Error()
		return
	}
	rs.info.Status = out.Status
	rs.info.Stage = string(out.Stage)
}

// runOptions wires checkpointing, the broadcaster, and the per-run
// progress.ndjson file into the executor.
func (c *Coordinator) runOptions(runID string, rs *runState) graph.RunOptions {
	progressPath := filepath.Join(c.store.RunDir(runID), "progress.ndjson")
	return graph.RunOptions{
		Store: c.store,
		Progress: func(stage graph.Stage, snap map[string]any) {
			rs.broadcaster.Send(snap)
			appendProgress(progressPath, snap)
		},
	}
}

// appendProgress writes one JSON line per event; failures are ignored so
// observability never fails a run.
func appendProgress(path string, ev map[string]any) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	f.Write(append(data, '\n'))
}
