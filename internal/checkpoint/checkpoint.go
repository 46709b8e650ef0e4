// Package checkpoint persists run state so a workflow can stop at any
// stage boundary and be rehydrated later, including after a process
// restart.
package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/modsmith/modsmith/internal/agent"
)

// ErrNotFound is returned when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is one persisted snapshot. Stage names the next stage to
// execute on resume; Final marks a run that reached its terminal stage.
type Checkpoint struct {
	RunID    string      `json:"run_id"`
	Stage    string      `json:"stage"`
	Seq      int         `json:"seq"`
	Final    bool        `json:"final"`
	SavedAt  time.Time   `json:"saved_at"`
	StateSum string      `json:"state_sum"`
	State    agent.State `json:"state"`
}

// Store is the persistence surface the executor writes through.
type Store interface {
	Save(cp *Checkpoint) error
	Load(runID string) (*Checkpoint, error)
	List() ([]string, error)
}

// FSStore keeps one checkpoint.json per run under root. Writes go through
// a temp file and rename so a crash mid-write never leaves a torn
// checkpoint; reads are safe concurrently with an active run.
type FSStore struct {
	root string
	mu   sync.RWMutex
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(runID string) string {
	return filepath.Join(s.root, runID, "checkpoint.json")
}

// Save persists the checkpoint, stamping SavedAt and the state digest.
func (s *FSStore) Save(cp *Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint: empty run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.SavedAt = time.Now().UTC()
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	digest := blake3.Sum256(stateJSON)
	cp.StateSum = hex.EncodeToString(digest[:])

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	path := s.path(cp.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create run dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Load reads the checkpoint for runID, verifying the state digest.
func (s *FSStore) Load(runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", runID, err)
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: remarshal state: %w", err)
	}
	digest := blake3.Sum256(stateJSON)
	if sum := hex.EncodeToString(digest[:]); sum != cp.StateSum {
		return nil, fmt.Errorf("checkpoint: state digest mismatch for %s", runID)
	}
	return &cp, nil
}

// List returns the run ids with a persisted checkpoint, sorted.
func (s *FSStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.path(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// RunDir exposes the per-run directory for things that live next to the
// checkpoint, like progress logs and fix audits.
func (s *FSStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}
