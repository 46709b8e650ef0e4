// Package config loads the run configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modsmith/modsmith/internal/verify"
)

// StepConfig is one build step in the file.
type StepConfig struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Argv       []string `yaml:"argv"`
	TimeoutSec int      `yaml:"timeout_sec"`
	Smoke      bool     `yaml:"smoke"`
}

// File is the full configuration document.
type File struct {
	Version   int    `yaml:"version"`
	Workspace string `yaml:"workspace"`
	StateRoot string `yaml:"state_root"`

	Build struct {
		Steps          []StepConfig `yaml:"steps"`
		StartupMarkers []string     `yaml:"startup_markers"`
	} `yaml:"build"`

	Fix struct {
		MaxAttempts   int    `yaml:"max_attempts"`
		FailurePolicy string `yaml:"failure_policy"`
	} `yaml:"fix"`

	Patch struct {
		Allow           []string `yaml:"allow"`
		AnchorNamespace string   `yaml:"anchor_namespace"`
	} `yaml:"patch"`

	Plan struct {
		MaxTasks int `yaml:"max_tasks"`
	} `yaml:"plan"`
}

// Load reads and validates path. A missing path yields the defaults with
// the workspace set to the current directory.
func Load(path string) (*File, error) {
	var f File
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	f.applyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Workspace == "" {
		f.Workspace = "."
	}
	if f.StateRoot == "" {
		f.StateRoot = DefaultStateRoot()
	}
	if len(f.Build.Steps) == 0 {
		f.Build.Steps = []StepConfig{
			{Name: "compileJava", Kind: "compile", Argv: []string{"./gradlew", "--no-daemon", "-S", "compileJava"}, TimeoutSec: 600},
			{Name: "runData", Kind: "generate", Argv: []string{"./gradlew", "--no-daemon", "-S", "runData"}, TimeoutSec: 900},
			{Name: "runClient", Kind: "smoke", Argv: []string{"./gradlew", "--no-daemon", "-S", "runClient"}, TimeoutSec: 120, Smoke: true},
		}
	}
	if f.Fix.MaxAttempts == 0 {
		f.Fix.MaxAttempts = verify.DefaultMaxAttempts
	}
	if f.Fix.FailurePolicy == "" {
		f.Fix.FailurePolicy = "advance"
	}
	if f.Patch.AnchorNamespace == "" {
		f.Patch.AnchorNamespace = "MS"
	}
	if f.Plan.MaxTasks == 0 {
		f.Plan.MaxTasks = 5
	}
}

func (f *File) validate() error {
	if f.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", f.Version)
	}
	if f.Fix.MaxAttempts < 1 {
		return fmt.Errorf("config: fix.max_attempts must be positive")
	}
	switch f.Fix.FailurePolicy {
	case "advance", "halt":
	default:
		return fmt.Errorf("config: fix.failure_policy %q not one of advance, halt", f.Fix.FailurePolicy)
	}
	for i, s := range f.Build.Steps {
		if s.Name == "" {
			return fmt.Errorf("config: build.steps[%d] has no name", i)
		}
		if len(s.Argv) == 0 {
			return fmt.Errorf("config: build step %q has no argv", s.Name)
		}
		switch s.Kind {
		case "compile", "generate", "smoke":
		default:
			return fmt.Errorf("config: build step %q has kind %q, want compile, generate or smoke", s.Name, s.Kind)
		}
	}
	return nil
}

// Steps converts the configured steps for the verifier.
func (f *File) Steps() []verify.Step {
	out := make([]verify.Step, 0, len(f.Build.Steps))
	for _, s := range f.Build.Steps {
		out = append(out, verify.Step{
			Name:    s.Name,
			Kind:    verify.StepKind(s.Kind),
			Argv:    append([]string(nil), s.Argv...),
			Timeout: time.Duration(s.TimeoutSec) * time.Second,
			Smoke:   s.Smoke,
		})
	}
	return out
}

// DefaultStateRoot places run state under the XDG state directory.
func DefaultStateRoot() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "modsmith", "runs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".modsmith", "runs")
	}
	return filepath.Join(home, ".local", "state", "modsmith", "runs")
}
