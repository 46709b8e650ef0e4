package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modsmith/modsmith/internal/agent"
)

func newStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleState() agent.State {
	st := agent.State{RunID: "r1", UserInput: "add ruby tools"}
	st.Queues.LoadMilestones([]agent.Milestone{{ID: "m1", Title: "ruby tools"}})
	st.Queues.LoadTasks([]agent.Task{{ID: "t1", Title: "items"}, {ID: "t2", Title: "recipes"}})
	st.Apply(agent.Delta{Events: []agent.Event{{Stage: "plan_tasks", OK: true}}})
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	cp := &Checkpoint{RunID: "r1", Stage: "execute_task", Seq: 3, State: sampleState()}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if cp.StateSum == "" || cp.SavedAt.IsZero() {
		t.Fatalf("save did not stamp digest/time: %+v", cp)
	}

	got, err := s.Load("r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Stage != "execute_task" || got.Seq != 3 {
		t.Fatalf("loaded = %+v", got)
	}
	if got.State.Queues.CurrentTask.ID != "t1" {
		t.Fatalf("queue cursor lost: %+v", got.State.Queues)
	}
	if len(got.State.Events) != 1 || got.State.Events[0].Stage != "plan_tasks" {
		t.Fatalf("events lost: %+v", got.State.Events)
	}
}

func TestLoadUnknownRun(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newStore(t)
	cp := &Checkpoint{RunID: "r1", Stage: "a", State: sampleState()}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.Stage = "b"
	cp.Seq = 2
	if err := s.Save(cp); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := s.Load("r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Stage != "b" || got.Seq != 2 {
		t.Fatalf("overwrite lost: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(s.RunDir("r1"), "checkpoint.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestLoadDetectsTamperedState(t *testing.T) {
	s := newStore(t)
	if err := s.Save(&Checkpoint{RunID: "r1", Stage: "a", State: sampleState()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(s.RunDir("r1"), "checkpoint.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := []byte(strings.Replace(string(raw), "add ruby tools", "add evil tools", 1))
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load("r1"); err == nil {
		t.Fatalf("tampered state should fail the digest check")
	}
}

func TestListReturnsRunIDsSorted(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		st := sampleState()
		st.RunID = id
		if err := s.Save(&Checkpoint{RunID: id, Stage: "a", State: st}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "mid" || ids[2] != "zeta" {
		t.Fatalf("ids = %v", ids)
	}
}
