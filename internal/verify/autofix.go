package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/modsmith/modsmith/internal/patch"
)

// DefaultMaxAttempts bounds the verify/propose/apply loop.
const DefaultMaxAttempts = 3

// FixStatus is the terminal state of a fix loop.
type FixStatus string

const (
	FixSuccess     FixStatus = "success"
	FixMaxAttempts FixStatus = "max_attempts"
)

// ProposalRequest is everything a proposer gets to work with: the triage of
// the failing step plus code snippets around each reported error.
type ProposalRequest struct {
	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	Workspace string `json:"workspace"`
	Triage    Triage `json:"triage"`
}

// FixProposer produces a raw JSON fix payload for a failed verification.
// The payload must be a JSON array of {"path", "old line", "new line"}
// objects (optional "occurrence"); anything else counts as no usable
// proposal.
type FixProposer interface {
	ProposeFix(ctx context.Context, req ProposalRequest) ([]byte, error)
}

// proposalSchema validates the fix payload shape before any edit runs.
var proposalSchema = jsonschema.MustCompileString("fix-proposal.json", `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["path", "old line", "new line"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"old line": {"type": "string"},
			"new line": {"type": "string"},
			"occurrence": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}
}`)

// DecodeProposal validates raw proposer output and converts it into line
// edits. A payload that is not valid JSON or does not match the contract
// returns an error; it never panics on malformed input.
func DecodeProposal(raw []byte) ([]patch.Edit, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("proposal is not valid JSON: %w", err)
	}
	if err := proposalSchema.Validate(payload); err != nil {
		return nil, fmt.Errorf("proposal rejected: %w", err)
	}
	var items []struct {
		Path       string `json:"path"`
		OldLine    string `json:"old line"`
		NewLine    string `json:"new line"`
		Occurrence int    `json:"occurrence"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("proposal decode: %w", err)
	}
	edits := make([]patch.Edit, 0, len(items))
	for _, it := range items {
		edits = append(edits, patch.Edit{
			Path:       it.Path,
			Action:     patch.ActionReplaceLine,
			OldLine:    it.OldLine,
			NewLine:    it.NewLine,
			Occurrence: it.Occurrence,
		})
	}
	return edits, nil
}

// FixOutcome reports how the loop ended. Attempts counts verification
// passes; Result holds the last verification, successful or not.
type FixOutcome struct {
	Status   FixStatus `json:"status"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	Result   *Result   `json:"result"`
}

// Fixer drives verify -> triage -> propose -> apply until the build passes
// or MaxAttempts verifications have run. A run of N attempts asks the
// proposer at most N-1 times.
type Fixer struct {
	Runner      *Runner
	Proposer    FixProposer
	Applicator  *patch.Applicator
	MaxAttempts int
	AuditDir    string
	Progress    func(event map[string]any)
}

// Run executes the loop. The returned error covers runner configuration
// problems and proposer transport failures only; build failures and
// unusable proposals end the loop with FixMaxAttempts.
func (f *Fixer) Run(ctx context.Context) (*FixOutcome, error) {
	max := f.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	for attempt := 1; ; attempt++ {
		res, err := f.Runner.Run(ctx)
		if err != nil {
			return nil, err
		}
		if res.OK {
			f.emit(map[string]any{"event": "fix_loop", "status": "success", "attempt": attempt})
			return &FixOutcome{Status: FixSuccess, Attempts: attempt, Result: res}, nil
		}
		if attempt >= max {
			f.emit(map[string]any{"event": "fix_loop", "status": "max_attempts", "attempt": attempt})
			return &FixOutcome{
				Status:   FixMaxAttempts,
				Attempts: attempt,
				Reason:   fmt.Sprintf("still failing after %d verification attempts", attempt),
				Result:   res,
			}, nil
		}

		tr := TriageStep(res.FirstError)
		tr.AttachSnippets(f.Runner.Workspace)
		req := ProposalRequest{
			Step:      res.FirstError.Name,
			Attempt:   attempt,
			Workspace: f.Runner.Workspace,
			Triage:    tr,
		}
		raw, err := f.Proposer.ProposeFix(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("propose fix: %w", err)
		}
		edits, decodeErr := DecodeProposal(raw)
		if decodeErr != nil {
			f.emit(map[string]any{"event": "fix_loop", "status": "unusable_proposal", "attempt": attempt, "error": decodeErr.Error()})
			return &FixOutcome{
				Status:   FixMaxAttempts,
				Attempts: attempt,
				Reason:   "no usable proposal: " + decodeErr.Error(),
				Result:   res,
			}, nil
		}

		sum := f.Applicator.Apply(edits)
		f.audit(attempt, req, raw, sum)
		f.emit(map[string]any{
			"event":   "fix_loop",
			"status":  "applied",
			"attempt": attempt,
			"step":    res.FirstError.Name,
			"applied": sum.Applied,
			"total":   len(edits),
		})
	}
}

// audit writes one JSON record per proposal round for postmortems.
func (f *Fixer) audit(attempt int, req ProposalRequest, raw []byte, sum patch.Summary) {
	if f.AuditDir == "" {
		return
	}
	if err := os.MkdirAll(f.AuditDir, 0o755); err != nil {
		return
	}
	rec := map[string]any{
		"at":       time.Now().UTC().Format(time.RFC3339),
		"attempt":  attempt,
		"step":     req.Step,
		"category": req.Triage.Category,
		"payload":  json.RawMessage(raw),
		"applied":  sum.Applied,
		"results":  sum.Results,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(f.AuditDir, fmt.Sprintf("fix_attempt_%d.json", attempt))
	_ = os.WriteFile(path, data, 0o644)
}

func (f *Fixer) emit(ev map[string]any) {
	if f.Progress != nil {
		f.Progress(ev)
	}
}
