package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/modsmith/modsmith/internal/config"
	"github.com/modsmith/modsmith/internal/verify"
)

// noopProposer never proposes edits; the standalone verify command and
// dry runs use it so a failing build simply reports instead of mutating
// the workspace.
type noopProposer struct{}

func (noopProposer) ProposeFix(context.Context, verify.ProposalRequest) ([]byte, error) {
	return []byte(`[]`), nil
}

// verifyRunner adapts the config to a one-shot verification pass.
type verifyRunner struct {
	cfg *config.File
}

func (v *verifyRunner) run(ctx context.Context) (*verify.Result, error) {
	r := &verify.Runner{
		Workspace:      v.cfg.Workspace,
		LogDir:         filepath.Join(v.cfg.Workspace, "_ms_logs"),
		Steps:          v.cfg.Steps(),
		StartupMarkers: v.cfg.Build.StartupMarkers,
	}
	res, err := r.Run(ctx)
	if err != nil {
		return nil, err
	}
	if res.FirstError != nil {
		tr := verify.TriageStep(res.FirstError)
		tr.AttachSnippets(v.cfg.Workspace)
		if data, err := json.MarshalIndent(tr, "", "  "); err == nil {
			fmt.Println(string(data))
		}
	}
	return res, nil
}
