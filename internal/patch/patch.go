// Package patch applies structured line edits to files inside a workspace.
//
// Every edit is validated before it touches disk: paths must resolve inside
// the workspace root and match the allow-list, line numbers are 1-based, and
// when a file carries anchor markers the edited lines must fall inside a
// marker-delimited region. Failed edits are recorded with a machine-readable
// reason; the remaining edits still run.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/modsmith/modsmith/internal/anchor"
)

// Action selects how an Edit mutates its target file.
type Action string

const (
	ActionReplaceLine  Action = "replace_line"
	ActionReplaceRange Action = "replace_range"
	ActionInsert       Action = "insert"
)

// Reject reasons reported in Result.Reason.
const (
	ReasonOutsideWorkspace      = "outside_workspace"
	ReasonPathNotAllowed        = "path_not_allowed"
	ReasonFileNotFound          = "file_not_found"
	ReasonOldLineNotFound       = "old_line_not_found"
	ReasonOccurrenceOutOfRange  = "occurrence_out_of_range"
	ReasonInvalidRange          = "invalid_range"
	ReasonInvalidInsertPosition = "invalid_insert_position"
	ReasonOutsideAnchors        = "outside_anchors"
	ReasonUnsupportedAction     = "unsupported_action"
	ReasonReadFailed            = "read_failed"
	ReasonWriteFailed           = "write_failed"
)

// Edit is a single requested mutation. Path is relative to the workspace
// root. Line numbers are 1-based; Occurrence defaults to 1.
type Edit struct {
	Path       string `json:"path"`
	Action     Action `json:"action"`
	OldLine    string `json:"old_line,omitempty"`
	NewLine    string `json:"new_line,omitempty"`
	Occurrence int    `json:"occurrence,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	AtLine     int    `json:"at_line,omitempty"`
	NewCode    string `json:"new_code,omitempty"`
}

// Result records the outcome of one edit.
type Result struct {
	Path   string `json:"path"`
	Action Action `json:"action"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Line   int    `json:"line,omitempty"`
	Diff   string `json:"diff,omitempty"`
}

// Summary aggregates the outcomes of one Apply call.
type Summary struct {
	OK      bool     `json:"ok"`
	Applied int      `json:"applied"`
	Results []Result `json:"results"`
}

// Applicator applies edits under Root. Allow holds doublestar globs over
// slash-separated relative paths; an empty list permits every path.
// Namespace names the anchor marker namespace; when a target file contains
// markers in that namespace, edits outside the marked regions are rejected.
// An empty Namespace disables anchor enforcement.
type Applicator struct {
	Root      string
	Allow     []string
	Namespace string
}

// Apply runs every edit in order and reports per-edit outcomes. Summary.OK
// is true only when all edits applied.
func (a *Applicator) Apply(edits []Edit) Summary {
	sum := Summary{OK: true}
	for _, e := range edits {
		res := a.applyOne(e)
		if res.OK {
			sum.Applied++
		} else {
			sum.OK = false
		}
		sum.Results = append(sum.Results, res)
	}
	return sum
}

func (a *Applicator) applyOne(e Edit) Result {
	res := Result{Path: e.Path, Action: e.Action}

	abs, rel, ok := a.resolve(e.Path)
	if !ok {
		res.Reason = ReasonOutsideWorkspace
		return res
	}
	if !a.allowed(rel) {
		res.Reason = ReasonPathNotAllowed
		return res
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			res.Reason = ReasonFileNotFound
		} else {
			res.Reason = ReasonReadFailed
		}
		return res
	}
	text := string(raw)
	hadNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var regions []anchor.Region
	enforce := false
	if a.Namespace != "" && anchor.HasMarkers(text, a.Namespace) {
		regions = anchor.Regions(text, a.Namespace)
		enforce = true
	}
	inRegion := func(line int) bool {
		if !enforce {
			return true
		}
		for _, r := range regions {
			if r.Contains(line) {
				return true
			}
		}
		return false
	}
	rangeInRegion := func(start, end int) bool {
		if !enforce {
			return true
		}
		for _, r := range regions {
			if r.Contains(start) && r.Contains(end) {
				return true
			}
		}
		return false
	}

	switch e.Action {
	case ActionReplaceLine:
		idx, reason := locateLine(lines, e.OldLine, e.Occurrence)
		if reason != "" {
			res.Reason = reason
			return res
		}
		if !inRegion(idx + 1) {
			res.Reason = ReasonOutsideAnchors
			return res
		}
		lines[idx] = e.NewLine
		res.Line = idx + 1

	case ActionReplaceRange:
		if e.StartLine < 1 || e.EndLine > len(lines) || e.StartLine > e.EndLine {
			res.Reason = ReasonInvalidRange
			return res
		}
		if !rangeInRegion(e.StartLine, e.EndLine) {
			res.Reason = ReasonOutsideAnchors
			return res
		}
		repl := strings.Split(strings.TrimSuffix(e.NewCode, "\n"), "\n")
		var next []string
		next = append(next, lines[:e.StartLine-1]...)
		next = append(next, repl...)
		next = append(next, lines[e.EndLine:]...)
		lines = next
		res.Line = e.StartLine

	case ActionInsert:
		if e.AtLine < 1 || e.AtLine > len(lines)+1 {
			res.Reason = ReasonInvalidInsertPosition
			return res
		}
		if !inRegion(e.AtLine) {
			res.Reason = ReasonOutsideAnchors
			return res
		}
		ins := strings.Split(strings.TrimSuffix(e.NewCode, "\n"), "\n")
		var next []string
		next = append(next, lines[:e.AtLine-1]...)
		next = append(next, ins...)
		next = append(next, lines[e.AtLine-1:]...)
		lines = next
		res.Line = e.AtLine

	default:
		res.Reason = ReasonUnsupportedAction
		return res
	}

	updated := strings.Join(lines, "\n")
	if hadNewline {
		updated += "\n"
	}
	if err := writeFileAtomic(abs, []byte(updated)); err != nil {
		res.Reason = ReasonWriteFailed
		return res
	}
	res.OK = true
	res.Diff = diffPreview(text, updated)
	return res
}

// resolve joins rel onto Root and confirms the result, symlinks followed,
// stays inside it. The returned abs is the real target path, so a symlink
// pointing outside the workspace cannot smuggle an edit past the check.
func (a *Applicator) resolve(rel string) (abs, cleaned string, ok bool) {
	if strings.TrimSpace(rel) == "" || filepath.IsAbs(rel) {
		return "", "", false
	}
	root, err := filepath.Abs(a.Root)
	if err != nil {
		return "", "", false
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	joined, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", "", false
	}
	if !within(root, joined) {
		return "", "", false
	}
	abs, err = resolveExisting(joined)
	if err != nil || !within(root, abs) {
		return "", "", false
	}
	cleaned, err = filepath.Rel(root, joined)
	if err != nil {
		return "", "", false
	}
	return abs, filepath.ToSlash(cleaned), true
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// resolveExisting resolves symlinks in path. When the tail of the path does
// not exist yet, the deepest existing ancestor is resolved and the missing
// suffix re-joined.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for p := path; ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

func (a *Applicator) allowed(rel string) bool {
	if len(a.Allow) == 0 {
		return true
	}
	for _, pat := range a.Allow {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// locateLine finds the occurrence-th line matching old, first verbatim and
// then falling back to a whitespace-trimmed comparison.
func locateLine(lines []string, old string, occurrence int) (int, string) {
	if occurrence < 1 {
		occurrence = 1
	}
	matches := indexLines(lines, old, false)
	if len(matches) == 0 {
		matches = indexLines(lines, old, true)
	}
	if len(matches) == 0 {
		return 0, ReasonOldLineNotFound
	}
	if occurrence > len(matches) {
		return 0, ReasonOccurrenceOutOfRange
	}
	return matches[occurrence-1], ""
}

func indexLines(lines []string, want string, trimmed bool) []int {
	var out []int
	target := want
	if trimmed {
		target = strings.TrimSpace(want)
	}
	for i, ln := range lines {
		got := ln
		if trimmed {
			got = strings.TrimSpace(ln)
		}
		if got == target {
			out = append(out, i)
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// diffPreview renders a compact patch of the change for audit logs.
func diffPreview(before, after string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)
	return dmp.PatchToText(patches)
}
