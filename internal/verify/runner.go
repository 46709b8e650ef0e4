// Package verify runs a build-verification pipeline inside a workspace and
// turns failures into structured, fixable diagnostics.
//
// A Runner executes ordered build steps, stops at the first real failure,
// and writes one log file per step. Triage distills a failed step's output
// into categorized errors with code snippets, and Fixer drives the bounded
// propose/apply/re-verify loop around an external fix proposer.
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// StepKind classifies a step for triage.
type StepKind string

const (
	KindCompile  StepKind = "compile"
	KindGenerate StepKind = "generate"
	KindSmoke    StepKind = "smoke"
)

// Step is one ordered build command.
type Step struct {
	Name    string        `json:"name"`
	Kind    StepKind      `json:"kind"`
	Argv    []string      `json:"argv"`
	Timeout time.Duration `json:"timeout"`
	Smoke   bool          `json:"smoke"`
}

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	Name      string   `json:"task"`
	Kind      StepKind `json:"kind"`
	OK        bool     `json:"ok"`
	ExitCode  int      `json:"exit_code"`
	TimedOut  bool     `json:"timed_out"`
	BootedOK  bool     `json:"booted_ok,omitempty"`
	ElapsedMS int64    `json:"elapsed_ms"`
	LogPath   string   `json:"log_path"`
	LogSum    string   `json:"log_sum"`
}

// FirstError captures the output of the step that failed the run.
type FirstError struct {
	Name     string   `json:"task"`
	Kind     StepKind `json:"kind"`
	ExitCode int      `json:"exit_code"`
	LogPath  string   `json:"log_path"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Result is the outcome of one verification pass.
type Result struct {
	OK         bool         `json:"ok"`
	Steps      []StepResult `json:"steps"`
	FirstError *FirstError  `json:"first_error,omitempty"`
}

// DefaultStartupMarkers are log lines that indicate a smoke-step process
// booted far enough to count as alive, even if it was later killed by the
// step timeout. Matching is case-insensitive containment.
var DefaultStartupMarkers = []string{
	"ModLauncher running:",
	"Launching target 'forgeclient",
	"Minecraft 1.21",
	"Minecraft 1.",
	"Render thread",
	"LWJGL",
	"GLFW",
	"OpenAL",
	"Loading Immediate Window",
	"Keyboard Layout",
}

// timeoutExitCode mirrors the shell convention for a killed command.
const timeoutExitCode = 124

// Runner executes the configured steps in order inside Workspace. Logs land
// under LogDir (created on demand); StartupMarkers defaults to
// DefaultStartupMarkers when empty.
type Runner struct {
	Workspace      string
	LogDir         string
	Steps          []Step
	StartupMarkers []string
}

// Run executes the steps in order and stops after the first failure. The
// returned error covers configuration problems only; a failing build is
// reported through Result.OK and Result.FirstError.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if len(r.Steps) == 0 {
		return nil, errors.New("verify: no steps configured")
	}
	if st, err := os.Stat(r.Workspace); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("verify: workspace %s not a directory", r.Workspace)
	}
	logDir := r.LogDir
	if logDir == "" {
		logDir = filepath.Join(r.Workspace, "_ms_logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("verify: create log dir: %w", err)
	}

	res := &Result{OK: true}
	for _, step := range r.Steps {
		sr, stdout, stderr, err := r.runStep(ctx, step, logDir)
		if err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, sr)
		if sr.OK {
			continue
		}
		res.OK = false
		res.FirstError = &FirstError{
			Name:     step.Name,
			Kind:     step.Kind,
			ExitCode: sr.ExitCode,
			LogPath:  sr.LogPath,
			Stdout:   stdout,
			Stderr:   stderr,
		}
		break
	}
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, step Step, logDir string) (StepResult, string, string, error) {
	if len(step.Argv) == 0 {
		return StepResult{}, "", "", fmt.Errorf("verify: step %q has no command", step.Name)
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, step.Argv[0], step.Argv[1:]...)
	cmd.Dir = r.Workspace
	cmd.Stdin = strings.NewReader("")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	sr := StepResult{Name: step.Name, Kind: step.Kind, ElapsedMS: elapsed.Milliseconds()}
	switch {
	case runErr == nil:
		sr.OK = true
	case stepCtx.Err() == context.DeadlineExceeded:
		sr.TimedOut = true
		sr.ExitCode = timeoutExitCode
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			sr.ExitCode = exitErr.ExitCode()
		} else {
			return StepResult{}, "", "", fmt.Errorf("verify: start %q: %w", step.Name, runErr)
		}
	}

	outText := stdout.String()
	errText := stderr.String()

	// A smoke run that got far enough to boot counts as a pass even when the
	// timeout killed it: the point of the step is reaching a live process.
	if !sr.OK && step.Smoke && r.bootedOK(outText+"\n"+errText) {
		sr.OK = true
		sr.BootedOK = true
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("verify_%s.log", step.Name))
	logBody := outText + "\n--- STDERR ---\n" + errText
	if err := os.WriteFile(logPath, []byte(logBody), 0o644); err != nil {
		return StepResult{}, "", "", fmt.Errorf("verify: write log %s: %w", logPath, err)
	}
	digest := blake3.Sum256([]byte(logBody))
	sr.LogPath = logPath
	sr.LogSum = hex.EncodeToString(digest[:])
	return sr, outText, errText, nil
}

func (r *Runner) bootedOK(combined string) bool {
	markers := r.StartupMarkers
	if len(markers) == 0 {
		markers = DefaultStartupMarkers
	}
	low := strings.ToLower(combined)
	for _, m := range markers {
		if m != "" && strings.Contains(low, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
