package main

import (
	"strings"

	"e2eheal/internal/diff"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boldStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// check renders one doctor line.
func check(ok bool, label, detail string) string {
	mark := okStyle.Render("✓")
	if !ok {
		mark = failStyle.Render("✗")
	}
	line := mark + " " + boldStyle.Render(label)
	if detail != "" {
		line += " " + mutedStyle.Render(detail)
	}
	return line
}

func styleDiffLine(t diff.LineType, line string) string {
	switch t {
	case diff.LineAdded:
		return okStyle.Render(line)
	case diff.LineRemoved:
		return failStyle.Render(line)
	}
	return line
}

// table renders static rows with padded columns.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func newTable(title string, headers ...string) *table {
	return &table{title: title, headers: headers}
}

func (t *table) add(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) String() string {
	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(titleStyle.Render(t.title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	headerStyle := boldStyle.Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	sep := mutedStyle.Render("|")

	writeRow := func(cells []string, style lipgloss.Style) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(style.Width(widths[i]).Render(cell))
			if i < len(widths)-1 {
				sb.WriteString(sep)
			}
		}
		sb.WriteString("\n")
	}

	writeRow(t.headers, headerStyle)
	total := 0
	for _, w := range widths {
		total += w
	}
	sb.WriteString(mutedStyle.Render(strings.Repeat("-", total+len(widths)-1)))
	sb.WriteString("\n")
	for _, row := range t.rows {
		writeRow(row, cellStyle)
	}
	return sb.String()
}

// renderMarkdown renders markdown for the terminal, falling back to the
// raw text when no renderer can be built.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
