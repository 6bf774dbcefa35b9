package render

import (
	"slices"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{"fits", "short", 10, []string{"short"}},
		{"breaks at spaces", "one two three", 7, []string{"one two", "three"}},
		{"long word is cut", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"wide runes", "终端渲染", 4, []string{"终端", "渲染"}},
		{"keeps blank lines", "a\n\nb", 5, []string{"a", "", "b"}},
		{"zero width passes through", "x y", 0, []string{"x y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wrapText(tt.text, tt.width); !slices.Equal(got, tt.want) {
				t.Fatalf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
			}
		})
	}
}

func TestWrapLinePreserveKeepsSpacing(t *testing.T) {
	line := textLine("a   b   c", lipgloss.NewStyle())
	got := LinesToPlainStrings(wrapLine(line, 4, true))
	want := []string{"a   ", "b   ", "c"}
	if !slices.Equal(got, want) {
		t.Fatalf("preserve wrap = %q, want %q", got, want)
	}
}

func TestWrapLineKeepsSpanStyles(t *testing.T) {
	bold := lipgloss.NewStyle().Bold(true)
	line := Line{Spans: []Span{{Text: "exit "}, {Text: "code 127", Style: bold}}}
	rows := wrapLine(line, 8, false)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %q", LinesToPlainStrings(rows))
	}
	last := rows[1].Spans[len(rows[1].Spans)-1]
	if last.Text != "code 127" || !last.Style.GetBold() {
		t.Fatalf("second row lost the bold span: %+v", rows[1].Spans)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("hello world", 6); got != "hello…" {
		t.Fatalf("truncateText = %q", got)
	}
	if got := truncateText("ok", 6); got != "ok" {
		t.Fatalf("short text changed: %q", got)
	}
}
