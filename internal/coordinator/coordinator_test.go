package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modsmith/modsmith/internal/agent"
	"github.com/modsmith/modsmith/internal/checkpoint"
	"github.com/modsmith/modsmith/internal/graph"
)

// slowGateGraph blocks inside "work" until released, then either suspends
// at "gate" (no followup) or completes.
func slowGateGraph(t *testing.T, release chan struct{}) *graph.Compiled {
	t.Helper()
	g := graph.New()
	g.Register("work", func(ctx context.Context, _ *agent.State) (agent.Delta, graph.Signal, error) {
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return agent.Delta{}, graph.Continue, ctx.Err()
			}
		}
		return agent.Delta{}, graph.Continue, nil
	})
	g.Register("gate", func(_ context.Context, st *agent.State) (agent.Delta, graph.Signal, error) {
		if st.FollowupInput == "" {
			return agent.Delta{AwaitingInput: agent.Bool(true)}, graph.Suspend, nil
		}
		return agent.Delta{FollowupInput: agent.Str("")}, graph.Continue, nil
	})
	g.Register("done", func(context.Context, *agent.State) (agent.Delta, graph.Signal, error) {
		return agent.Delta{}, graph.Continue, nil
	})
	g.SetEntry("work")
	g.SetTerminal("done")
	g.Connect("work", "gate")
	g.ConnectConditional("gate", func(st *agent.State) graph.Stage {
		return "done"
	}, "done")
	compiled, err := g.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func newCoordinator(t *testing.T, release chan struct{}) *Coordinator {
	t.Helper()
	store, err := checkpoint.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return New(slowGateGraph(t, release), store)
}

func TestSecondStartIsRejectedWhileFirstRuns(t *testing.T) {
	release := make(chan struct{})
	c := newCoordinator(t, release)

	var wg sync.WaitGroup
	wg.Add(1)
	firstErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := c.Start(context.Background(), "run-a", &agent.State{})
		firstErr <- err
	}()

	// Wait until run-a holds the slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := c.Info("run-a")
		if err == nil && info.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run-a never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.Start(context.Background(), "run-b", &agent.State{}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second start err = %v, want ErrRunActive", err)
	}

	close(release)
	wg.Wait()
	if err := <-firstErr; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Slot is free again.
	if _, err := c.Start(context.Background(), "run-b", &agent.State{}); err != nil {
		t.Fatalf("start after release: %v", err)
	}
}

func TestSuspendedRunSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	store, err := checkpoint.NewFSStore(root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c := New(slowGateGraph(t, nil), store)
	out, err := c.Start(context.Background(), "run-a", &agent.State{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Status != graph.StatusSuspended {
		t.Fatalf("outcome = %+v", out)
	}

	// A new coordinator over the same store stands in for a restarted
	// process.
	c2 := New(slowGateGraph(t, nil), store)
	out, err = c2.Resume(context.Background(), "run-a", agent.Delta{FollowupInput: agent.Str("go")})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != graph.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestResumeUnknownRun(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := c.Resume(context.Background(), "ghost", agent.Delta{}); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("err = %v, want ErrUnknownRun", err)
	}
}

func TestMintedRunIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty run id %q", id)
		}
		seen[id] = true
	}
}

func TestInfoAndListCoverStoreOnlyRuns(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := c.Start(context.Background(), "run-a", &agent.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	info, err := c.Info("run-a")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Active || info.Status != graph.StatusSuspended {
		t.Fatalf("info = %+v", info)
	}
	runs, err := c.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-a" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestProgressNDJSONWritten(t *testing.T) {
	root := t.TempDir()
	store, err := checkpoint.NewFSStore(root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c := New(slowGateGraph(t, nil), store)
	if _, err := c.Start(context.Background(), "run-a", &agent.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "run-a", "progress.ndjson"))
	if err != nil {
		t.Fatalf("progress log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || !strings.Contains(lines[0], `"stage":"work"`) {
		t.Fatalf("progress log:\n%s", raw)
	}
}

func TestBroadcasterReplaysHistoryAndDropsSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Send(map[string]any{"n": 1})
	b.Send(map[string]any{"n": 2})

	ch, cancel := b.Subscribe(16)
	defer cancel()
	for want := 1; want <= 2; want++ {
		ev := <-ch
		if ev["n"] != want {
			t.Fatalf("replayed event = %+v, want n=%d", ev, want)
		}
	}

	slow, _ := b.Subscribe(16)
	for i := 0; i < 20; i++ {
		b.Send(map[string]any{"n": i})
	}
	// The stalled subscriber was dropped: its channel closes.
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("slow subscriber never dropped")
		}
	}
}
