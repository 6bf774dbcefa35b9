package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rivo/uniseg"
)

// Cell is one grapheme cluster on screen. Wide clusters occupy Width columns.
type Cell struct {
	Grapheme string
	Width    int
	Style    lipgloss.Style
}

// Layout is the cached output for one transcript cell at one width.
type Layout struct {
	Lines  []Line
	Styled []string
	Plain  []string
	Rows   [][]Cell
	Height int
}

// NewLayout clamps lines to width and precomputes their styled, plain and
// per-grapheme forms.
func NewLayout(lines []Line, width int) *Layout {
	l := &Layout{
		Lines:  make([]Line, len(lines)),
		Styled: make([]string, len(lines)),
		Plain:  make([]string, len(lines)),
		Rows:   make([][]Cell, len(lines)),
		Height: len(lines),
	}
	for i, line := range lines {
		line = clampLine(line, width)
		l.Lines[i] = line
		l.Rows[i] = paintRow(line)
	}
	copy(l.Styled, LinesToStrings(l.Lines))
	copy(l.Plain, LinesToPlainStrings(l.Lines))
	return l
}

// Text joins the plain rows.
func (l *Layout) Text() string {
	if l == nil {
		return ""
	}
	return strings.Join(l.Plain, "\n")
}

// paintRow splits a line into grapheme cells carrying their span style.
func paintRow(line Line) []Cell {
	var cells []Cell
	for _, sp := range line.Spans {
		state := -1
		rest := sp.Text
		var cluster string
		var w int
		for rest != "" {
			cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
			cells = append(cells, Cell{Grapheme: cluster, Width: w, Style: sp.Style})
		}
	}
	return cells
}

// clampLine cuts a line at width columns without splitting a grapheme.
func clampLine(line Line, width int) Line {
	if width <= 0 || line.Width() <= width {
		return line
	}
	out := Line{Style: line.Style}
	used := 0
	for _, sp := range line.Spans {
		if used >= width {
			break
		}
		state := -1
		rest := sp.Text
		var b strings.Builder
		var cluster string
		var w int
		for rest != "" {
			cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
			if used+w > width {
				used = width
				break
			}
			b.WriteString(cluster)
			used += w
		}
		if b.Len() > 0 {
			out.Spans = append(out.Spans, Span{Text: b.String(), Style: sp.Style})
		}
	}
	return out
}
