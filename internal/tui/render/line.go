package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Span 是一段带样式的文本。
type Span struct {
	Text  string
	Style lipgloss.Style
}

// Line is one transcript row before wrapping. Style wraps the whole row
// after the span styles are applied.
type Line struct {
	Spans []Span
	Style lipgloss.Style
}

func textLine(text string, style lipgloss.Style) Line {
	return Line{Spans: []Span{{Text: text, Style: style}}}
}

// Text drops all styling.
func (l Line) Text() string {
	if len(l.Spans) == 1 {
		return l.Spans[0].Text
	}
	var b strings.Builder
	for _, sp := range l.Spans {
		b.WriteString(sp.Text)
	}
	return b.String()
}

// Render returns the row with ANSI styling.
func (l Line) Render() string {
	var b strings.Builder
	for _, sp := range l.Spans {
		b.WriteString(sp.Style.Render(sp.Text))
	}
	return l.Style.Render(b.String())
}

// Width 是终端显示列数。
func (l Line) Width() int {
	w := 0
	for _, sp := range l.Spans {
		w += runewidth.StringWidth(sp.Text)
	}
	return w
}

func LinesToStrings(lines []Line) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Render()
	}
	return out
}

func LinesToPlainStrings(lines []Line) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Text()
	}
	return out
}

// PrefixLines puts first in front of the first line and rest in front of
// every following one.
func PrefixLines(lines []Line, first, rest Span) []Line {
	out := make([]Line, len(lines))
	for i, l := range lines {
		lead := rest
		if i == 0 {
			lead = first
		}
		out[i] = Line{Spans: append([]Span{lead}, l.Spans...), Style: l.Style}
	}
	return out
}

// prefixed wraps at width minus the prefix, then adds the prefix; wrapped
// rows are padded with blanks so they line up under the first one.
func prefixed(lines []Line, width int, prefix string, style lipgloss.Style, preserve bool) []Line {
	pw := runewidth.StringWidth(prefix)
	wrapped := wrapLines(lines, max(1, width-pw), preserve)
	if len(wrapped) == 0 {
		wrapped = []Line{{}}
	}
	return PrefixLines(wrapped, Span{Text: prefix, Style: style}, Span{Text: strings.Repeat(" ", pw)})
}

func indentLines(lines []Line, indent string) []Line {
	if indent == "" {
		return lines
	}
	pad := Span{Text: indent}
	return PrefixLines(lines, pad, pad)
}
