package verify

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Triage categories.
const (
	TriageCompile = "compile"
	TriageDatagen = "datagen"
	TriageRuntime = "runtime"
	TriageUnknown = "unknown"
)

const snippetContext = 6

// CompileError is one javac-style "path:line: error: message" diagnostic.
type CompileError struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Snippet is a slice of workspace source around a reported error line.
type Snippet struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Code      string `json:"code"`
	Missing   bool   `json:"missing,omitempty"`
}

// Triage is the distilled view of a failed verification step.
type Triage struct {
	Category      string         `json:"category"`
	CompileErrors []CompileError `json:"compile_errors,omitempty"`
	StackHead     []string       `json:"stack_head,omitempty"`
	CausedBy      []string       `json:"caused_by,omitempty"`
	MissingRes    []string       `json:"missing_resources,omitempty"`
	Excerpt       string         `json:"excerpt,omitempty"`
	Snippets      []Snippet      `json:"snippets,omitempty"`
}

var (
	compileErrRe = regexp.MustCompile(`(?m)^(\S+\.java):(\d+):\s*(?:error|warning):\s*(.+)$`)
	causedByRe   = regexp.MustCompile(`(?m)^\s*Caused by:\s*(.+)$`)
	missingResRe = regexp.MustCompile(`(?m)^.*(?:Missing|missing)\s+(?:model|texture|sound|recipe|loot table|resource)\b.*$`)
	stackFrameRe = regexp.MustCompile(`^\s+at\s+\S+`)
	exceptionRe  = regexp.MustCompile(`^\S*(?:Exception|Error)(?::|\b)`)
)

// TriageStep interprets the failed step's combined output. The category
// follows the step kind; a triage that finds nothing concrete falls back to
// a raw excerpt of the output tail.
func TriageStep(err *FirstError) Triage {
	tr := Triage{Category: categoryFor(err.Kind)}
	combined := err.Stdout + "\n" + err.Stderr

	tr.CompileErrors = parseCompileErrors(combined)
	if len(tr.CompileErrors) > 0 && tr.Category == TriageUnknown {
		tr.Category = TriageCompile
	}
	tr.StackHead = parseStackHead(combined)
	tr.CausedBy = dedupe(causedByRe.FindAllString(combined, 8))
	tr.MissingRes = dedupe(missingResRe.FindAllString(combined, 8))

	if len(tr.CompileErrors) == 0 && len(tr.StackHead) == 0 &&
		len(tr.CausedBy) == 0 && len(tr.MissingRes) == 0 {
		tr.Excerpt = tailLines(combined, 40)
	}
	return tr
}

// AttachSnippets loads source context around each compile error so a fix
// proposer can see the surrounding code.
func (t *Triage) AttachSnippets(workspace string) {
	for _, ce := range t.CompileErrors {
		t.Snippets = append(t.Snippets, ExtractSnippet(workspace, ce.Path, ce.Line, snippetContext))
	}
}

// ExtractSnippet reads context lines around the 1-based line of a workspace
// file. Each line is prefixed with its number; the error line is flagged.
func ExtractSnippet(workspace, path string, line, context int) Snippet {
	sn := Snippet{Path: path}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspace, filepath.FromSlash(path))
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		sn.Missing = true
		return sn
	}
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	start := line - context
	if start < 1 {
		start = 1
	}
	end := line + context
	if end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		sn.Missing = true
		return sn
	}
	var b strings.Builder
	for n := start; n <= end; n++ {
		mark := "  "
		if n == line {
			mark = ">>"
		}
		fmt.Fprintf(&b, "%s %4d| %s\n", mark, n, lines[n-1])
	}
	sn.StartLine = start
	sn.EndLine = end
	sn.Code = b.String()
	return sn
}

func categoryFor(kind StepKind) string {
	switch kind {
	case KindCompile:
		return TriageCompile
	case KindGenerate:
		return TriageDatagen
	case KindSmoke:
		return TriageRuntime
	default:
		return TriageUnknown
	}
}

func parseCompileErrors(combined string) []CompileError {
	var out []CompileError
	seen := map[string]bool{}
	for _, m := range compileErrRe.FindAllStringSubmatch(combined, 32) {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		key := m[1] + ":" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, CompileError{Path: m[1], Line: line, Message: strings.TrimSpace(m[3])})
	}
	return out
}

// parseStackHead returns the first exception line plus the first few frames
// under it.
func parseStackHead(combined string) []string {
	lines := strings.Split(combined, "\n")
	for i, ln := range lines {
		if !exceptionRe.MatchString(strings.TrimSpace(ln)) {
			continue
		}
		head := []string{strings.TrimSpace(ln)}
		for j := i + 1; j < len(lines) && len(head) < 6; j++ {
			if !stackFrameRe.MatchString(lines[j]) {
				break
			}
			head = append(head, strings.TrimSpace(lines[j]))
		}
		if len(head) > 1 {
			return head
		}
	}
	return nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func dedupe(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
