// Package anchor mutates marker-delimited regions in generated source files.
//
// A region is bracketed by a BEGIN and an END comment line of the form
// "// ==MS:REGISTRATIONS_BEGIN==" / "// ==MS:REGISTRATIONS_END==". Inserts
// land immediately above the END marker and are idempotent: re-inserting a
// snippet that is already present leaves the file unchanged.
package anchor

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultNamespace is the marker namespace written by the code generators.
const DefaultNamespace = "MS"

// BeginMarker returns the BEGIN marker line body for a region.
func BeginMarker(namespace, region string) string {
	return fmt.Sprintf("// ==%s:%s_BEGIN==", namespace, region)
}

// EndMarker returns the END marker line body for a region.
func EndMarker(namespace, region string) string {
	return fmt.Sprintf("// ==%s:%s_END==", namespace, region)
}

// Region describes one marker pair found in a file. Line numbers are
// 1-based. Start and End bracket the editable interior, exclusive of the
// marker lines themselves; an empty region has End < Start.
type Region struct {
	Name  string
	Begin int // line holding the BEGIN marker
	End   int // line holding the END marker
	Start int // first editable line
	Stop  int // last editable line
}

// Contains reports whether the 1-based line falls strictly inside the
// region, marker lines excluded.
func (r Region) Contains(line int) bool {
	return line >= r.Start && line <= r.Stop
}

func markerPattern(namespace string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*// ==` + regexp.QuoteMeta(namespace) + `:([A-Za-z0-9_]+)_(BEGIN|END)==\s*$`)
}

// Regions scans text for matched BEGIN/END pairs in the given namespace.
// Unpaired markers are skipped; nesting is not supported.
func Regions(text, namespace string) []Region {
	pat := markerPattern(namespace)
	lines := strings.Split(text, "\n")
	open := map[string]int{}
	var out []Region
	for i, ln := range lines {
		m := pat.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		name, kind := m[1], m[2]
		if kind == "BEGIN" {
			open[name] = i + 1
			continue
		}
		begin, ok := open[name]
		if !ok {
			continue
		}
		delete(open, name)
		out = append(out, Region{
			Name:  name,
			Begin: begin,
			End:   i + 1,
			Start: begin + 1,
			Stop:  i,
		})
	}
	return out
}

// HasMarkers reports whether text contains any marker line for the
// namespace, paired or not.
func HasMarkers(text, namespace string) bool {
	pat := markerPattern(namespace)
	for _, ln := range strings.Split(text, "\n") {
		if pat.MatchString(ln) {
			return true
		}
	}
	return false
}

// InsertBeforeEnd splices snippet immediately above the first line
// containing endMarker. Every snippet line is re-indented to the END
// line's indentation (blank lines stay blank), the content above the
// insertion point is normalized to exactly one trailing blank line, and
// the call is idempotent: if the indented snippet already occurs verbatim
// the text comes back unchanged.
func InsertBeforeEnd(text, endMarker, snippet string) (string, error) {
	endMarker = strings.TrimSpace(endMarker)
	if endMarker == "" {
		return "", fmt.Errorf("anchor: empty end marker")
	}
	lines := strings.Split(text, "\n")
	endIdx := -1
	for i, ln := range lines {
		if strings.Contains(ln, endMarker) {
			endIdx = i
			break
		}
	}
	if endIdx < 0 {
		return "", fmt.Errorf("anchor: end marker %q not found", endMarker)
	}
	indent := leadingWhitespace(lines[endIdx])

	block := indentSnippet(snippet, indent)
	if block == "" {
		return text, nil
	}
	if strings.Contains(text, block) {
		return text, nil
	}

	before := strings.Join(lines[:endIdx], "\n")
	before = strings.TrimRight(before, " \t\n")
	after := strings.Join(lines[endIdx:], "\n")

	var b strings.Builder
	if before != "" {
		b.WriteString(before)
		b.WriteString("\n\n")
	}
	b.WriteString(block)
	b.WriteString("\n")
	b.WriteString(after)
	return b.String(), nil
}

// NormalizeBlock aligns the END marker to the BEGIN marker's indentation
// and collapses the whitespace above END to exactly one blank line. It is
// re-entrant: normalizing an already-normalized block is a no-op.
func NormalizeBlock(text, beginMarker, endMarker string) (string, error) {
	beginMarker = strings.TrimSpace(beginMarker)
	endMarker = strings.TrimSpace(endMarker)
	lines := strings.Split(text, "\n")
	beginIdx, endIdx := -1, -1
	for i, ln := range lines {
		if beginIdx < 0 && strings.Contains(ln, beginMarker) {
			beginIdx = i
			continue
		}
		if beginIdx >= 0 && strings.Contains(ln, endMarker) {
			endIdx = i
			break
		}
	}
	if beginIdx < 0 {
		return "", fmt.Errorf("anchor: begin marker %q not found", beginMarker)
	}
	if endIdx < 0 {
		return "", fmt.Errorf("anchor: end marker %q not found after begin", endMarker)
	}

	indent := leadingWhitespace(lines[beginIdx])
	lines[endIdx] = indent + strings.TrimSpace(lines[endIdx])

	before := strings.Join(lines[:endIdx], "\n")
	before = strings.TrimRight(before, " \t\n")
	after := strings.Join(lines[endIdx:], "\n")
	return before + "\n\n" + after, nil
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// indentSnippet prefixes every non-blank snippet line with indent,
// preserving the snippet's internal relative indentation.
func indentSnippet(snippet, indent string) string {
	snippet = strings.Trim(snippet, "\n")
	if strings.TrimSpace(snippet) == "" {
		return ""
	}
	lines := strings.Split(snippet, "\n")
	for i, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = indent + ln
	}
	return strings.Join(lines, "\n")
}
