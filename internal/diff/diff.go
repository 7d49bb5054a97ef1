// Package diff computes line diffs between a test file and its healed
// candidate, for review before promotion.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies one diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is one line of a hunk.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is a group of nearby changes with surrounding context.
// Starts are 1-based; a zero start means the side is empty.
type Hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
	Lines              []Line
}

// FileDiff is the diff of one file pair.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// DefaultContext is the number of unchanged lines kept around changes.
const DefaultContext = 3

// Compute diffs oldText against newText line by line.
func Compute(oldPath, newPath, oldText, newText string, context int) FileDiff {
	if context < 0 {
		context = 0
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	enc := lineEncoder{index: make(map[string]rune)}
	a, b := enc.encode(oldText), enc.encode(newText)
	diffs := enc.decode(dmp.DiffMainRunes(a, b, false))

	return FileDiff{
		OldPath: oldPath,
		NewPath: newPath,
		Hunks:   group(operations(diffs), context),
	}
}

// lineEncoder maps each distinct line to one rune so the character diff
// works on whole lines. The go-diff line helpers encode indices as
// comma-separated digits, which the character diff then splits.
type lineEncoder struct {
	index map[string]rune
	lines []string
}

func (e *lineEncoder) encode(text string) []rune {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	out := make([]rune, len(parts))
	for i, line := range parts {
		r, ok := e.index[line]
		if !ok {
			r = lineRune(len(e.lines))
			e.index[line] = r
			e.lines = append(e.lines, line)
		}
		out[i] = r
	}
	return out
}

func (e *lineEncoder) decode(diffs []diffmatchpatch.Diff) []diffmatchpatch.Diff {
	for i, d := range diffs {
		var b strings.Builder
		for _, r := range d.Text {
			b.WriteString(e.lines[runeLine(r)])
		}
		diffs[i].Text = b.String()
	}
	return diffs
}

// lineRune skips the surrogate block, which does not survive string conversion.
func lineRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func runeLine(r rune) int {
	if r >= 0xE000 {
		r -= 0x800
	}
	return int(r) - 1
}

type op struct {
	typ      LineType
	old, new int // 0-based line index on each side, -1 when absent
	content  string
}

func operations(diffs []diffmatchpatch.Diff) []op {
	var ops []op
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if d.Text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, op{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, op{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, op{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

// group merges changes closer than 2*context lines into one hunk.
func group(ops []op, context int) []Hunk {
	var hunks []Hunk
	for i := 0; i < len(ops); {
		if ops[i].typ == LineContext {
			i++
			continue
		}
		start := max(i-context, 0)
		end := i
		for j := i; j < len(ops); j++ {
			if ops[j].typ != LineContext {
				end = j
				continue
			}
			if j-end > 2*context {
				break
			}
		}
		end = min(end+context, len(ops)-1)
		hunks = append(hunks, hunk(ops[start:end+1]))
		i = end + 1
	}
	return hunks
}

func hunk(ops []op) Hunk {
	var h Hunk
	for _, o := range ops {
		h.Lines = append(h.Lines, Line{Type: o.typ, Content: o.content})
		if o.old >= 0 {
			if h.OldCount == 0 {
				h.OldStart = o.old + 1
			}
			h.OldCount++
		}
		if o.new >= 0 {
			if h.NewCount == 0 {
				h.NewStart = o.new + 1
			}
			h.NewCount++
		}
	}
	return h
}

// Empty reports whether the two sides are identical.
func (d FileDiff) Empty() bool { return len(d.Hunks) == 0 }

// Stats counts added and removed lines.
func (d FileDiff) Stats() (added, removed int) {
	for _, h := range d.Hunks {
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				added++
			case LineRemoved:
				removed++
			}
		}
	}
	return added, removed
}

// String renders the diff in unified format.
func (d FileDiff) String() string {
	return d.Render(func(_ LineType, s string) string { return s })
}

// Render renders the unified diff, passing each body line through style.
func (d FileDiff) Render(style func(LineType, string) string) string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", d.OldPath, d.NewPath)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			prefix := " "
			switch l.Type {
			case LineAdded:
				prefix = "+"
			case LineRemoved:
				prefix = "-"
			}
			b.WriteString(style(l.Type, prefix+l.Content))
			b.WriteByte('\n')
		}
	}
	return b.String()
}
