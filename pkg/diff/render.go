// Package diff renders the per-field difference between a desired detection
// document and the remotely observed one for verbose plan output.
package diff

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

var (
	addStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	modifyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// Config controls diff indentation.
type Config struct {
	// TabSize is the global indentation.
	TabSize int

	// MultilineIndent is the extra indentation of multi-line blocks.
	MultilineIndent int
}

// DefaultConfig matches the plan output layout.
func DefaultConfig() Config {
	return Config{TabSize: 3, MultilineIndent: 3}
}

// WriteJSON writes the recursive field diff between desired and current,
// fenced by "---" lines. Both payloads must be JSON documents.
func (c Config) WriteJSON(w io.Writer, desired, current []byte) error {
	var d, cur any
	if err := json.Unmarshal(desired, &d); err != nil {
		return fmt.Errorf("desired document: %w", err)
	}
	if err := json.Unmarshal(current, &cur); err != nil {
		return fmt.Errorf("current document: %w", err)
	}

	fmt.Fprintln(w, "---")
	c.writeValue(w, "", d, cur)
	fmt.Fprintln(w, "---")
	return nil
}

func (c Config) writeValue(w io.Writer, path string, desired, current any) {
	indent := strings.Repeat(" ", c.TabSize)

	if isEmptyValue(current) && desired != nil {
		fmt.Fprintf(w, "%s%s: %s\n", indent, addStyle.Render(path), addStyle.Render(render(desired)))
		return
	}

	switch d := desired.(type) {
	case map[string]any:
		cur, ok := current.(map[string]any)
		if !ok {
			c.writeScalar(w, path, desired, current)
			return
		}
		keys := map[string]struct{}{}
		for k := range d {
			keys[k] = struct{}{}
		}
		for k := range cur {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		for _, key := range sorted {
			child := key
			if path != "" {
				child = path + "." + key
			}
			dv, inD := d[key]
			cv, inC := cur[key]
			switch {
			case inD && inC:
				c.writeValue(w, child, dv, cv)
			case inD:
				fmt.Fprintf(w, "%s%s: %s\n", indent, addStyle.Render(child), addStyle.Render(render(dv)))
			default:
				fmt.Fprintf(w, "%s%s: %s\n", indent, removeStyle.Render(child), removeStyle.Render(render(cv)))
			}
		}
	case string:
		cur, ok := current.(string)
		if ok && (strings.Contains(d, "\n") || strings.Contains(cur, "\n")) {
			c.writeMultiline(w, path, d, cur)
			return
		}
		c.writeScalar(w, path, desired, current)
	default:
		c.writeScalar(w, path, desired, current)
	}
}

func (c Config) writeScalar(w io.Writer, path string, desired, current any) {
	if equalJSON(desired, current) {
		return
	}
	indent := strings.Repeat(" ", c.TabSize)
	fmt.Fprintf(w, "%s%s: %s => %s\n",
		indent,
		modifyStyle.Render(path),
		removeStyle.Render(render(current)),
		addStyle.Render(render(desired)))
}

// writeMultiline prints a line diff between two multi-line strings; lines are
// trimmed and blank lines dropped before comparing, so formatting-only
// differences stay silent.
func (c Config) writeMultiline(w io.Writer, path string, desired, current string) {
	dn := normalizeMultiline(desired)
	cn := normalizeMultiline(current)
	if dn == cn {
		return
	}

	indent := strings.Repeat(" ", c.TabSize)
	blockIndent := indent + strings.Repeat(" ", c.MultilineIndent)
	fmt.Fprintf(w, "%s%s:\n", indent, modifyStyle.Render(path))

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(cn, dn)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(w, "%s%s\n", blockIndent, removeStyle.Render("- "+line))
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(w, "%s%s\n", blockIndent, addStyle.Render("+ "+line))
			default:
				fmt.Fprintf(w, "%s%s\n", blockIndent, dimStyle.Render("  "+line))
			}
		}
	}
}

func splitLines(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func normalizeMultiline(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func isEmptyValue(v any) bool {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	default:
		return false
	}
}

func equalJSON(a, b any) bool {
	return render(a) == render(b)
}

func render(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
