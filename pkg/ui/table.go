package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type TableColumn struct {
	Header string
	// Width 0 sizes the column to its widest cell.
	Width int
	Align lipgloss.Position
}

type TableRow struct {
	Icon      string
	IconStyle lipgloss.Style
	Cells     []string
}

// Table renders aligned rows under a dim header line.
type Table struct {
	Columns []TableColumn
	Rows    []TableRow
	theme   Theme
}

func NewTable(cols []TableColumn) Table {
	return Table{Columns: cols, theme: DefaultTheme()}
}

func (t Table) WithRows(rows []TableRow) Table {
	t.Rows = rows
	return t
}

func (t Table) widths() []int {
	out := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		if c.Width > 0 {
			out[i] = c.Width
			continue
		}
		w := lipgloss.Width(c.Header)
		for _, r := range t.Rows {
			if i < len(r.Cells) && lipgloss.Width(r.Cells[i]) > w {
				w = lipgloss.Width(r.Cells[i])
			}
		}
		out[i] = w
	}
	return out
}

func (t Table) Render() string {
	if len(t.Rows) == 0 {
		return t.theme.Dim.Render("(no data)")
	}
	widths := t.widths()
	hasIcons := false
	for _, r := range t.Rows {
		if r.Icon != "" {
			hasIcons = true
			break
		}
	}

	var lines []string
	header := make([]string, 0, len(t.Columns))
	for i, c := range t.Columns {
		header = append(header, cell(c.Header, widths[i], c.Align))
	}
	prefix := ""
	if hasIcons {
		prefix = "  "
	}
	lines = append(lines, t.theme.Dim.Render(prefix+strings.Join(header, "  ")))

	for _, r := range t.Rows {
		parts := make([]string, 0, len(t.Columns))
		for i, c := range t.Columns {
			v := ""
			if i < len(r.Cells) {
				v = r.Cells[i]
			}
			parts = append(parts, cell(v, widths[i], c.Align))
		}
		line := strings.Join(parts, "  ")
		if hasIcons {
			icon := r.Icon
			if icon == "" {
				icon = " "
			}
			line = r.IconStyle.Render(icon) + " " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func cell(v string, width int, align lipgloss.Position) string {
	if lipgloss.Width(v) > width {
		runes := []rune(v)
		for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
			runes = runes[:len(runes)-1]
		}
		v = string(runes) + "…"
	}
	return lipgloss.NewStyle().Width(width).Align(align).Render(v)
}
