package markdown

import (
	"testing"

	"echo-transcript/internal/history"
)

func kinds(lines []history.MessageLine) []history.LineKind {
	out := make([]history.LineKind, len(lines))
	for i, l := range lines {
		out[i] = l.Kind
	}
	return out
}

func TestLinesBlockKinds(t *testing.T) {
	src := "# Title\n\nSome *text* here.\n\n- one\n- two\n\n```go\nfmt.Println(1)\nreturn\n```\n\n> quoted\n\n---\n"
	lines := Lines(src)
	want := []history.LineKind{
		history.LineHeading, history.LineBlank,
		history.LineParagraph, history.LineBlank,
		history.LineBullet, history.LineBullet, history.LineBlank,
		history.LineCode, history.LineCode, history.LineBlank,
		history.LineQuote, history.LineBlank,
		history.LineSeparator,
	}
	got := kinds(lines)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d kind = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
	if lines[0].Marker != "#" || history.SpansText(lines[0].Spans) != "Title" {
		t.Fatalf("heading = %+v", lines[0])
	}
	if lines[7].Language != "go" || history.SpansText(lines[7].Spans) != "fmt.Println(1)" {
		t.Fatalf("code line = %+v", lines[7])
	}
}

func TestInlineAttributes(t *testing.T) {
	lines := Lines("plain **bold** _it_ `code` [link](https://x.test)")
	if len(lines) != 1 {
		t.Fatalf("lines = %+v", lines)
	}
	var bold, italic, code, link bool
	for _, sp := range lines[0].Spans {
		switch {
		case sp.Bold && sp.Text == "bold":
			bold = true
		case sp.Italic && sp.Text == "it":
			italic = true
		case sp.Code && sp.Text == "code":
			code = true
		case sp.Href == "https://x.test" && sp.Text == "link":
			link = true
		}
	}
	if !bold || !italic || !code || !link {
		t.Fatalf("missing inline attribute in %+v", lines[0].Spans)
	}
	if got := history.SpansText(lines[0].Spans); got != "plain bold it code link" {
		t.Fatalf("text = %q", got)
	}
}

func TestSoftAndHardBreaks(t *testing.T) {
	lines := Lines("first\nsecond  \nthird")
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	if got := history.SpansText(lines[0].Spans); got != "first second" {
		t.Fatalf("line 0 = %q", got)
	}
	if got := history.SpansText(lines[1].Spans); got != "third" {
		t.Fatalf("line 1 = %q", got)
	}
}

func TestOrderedAndNestedLists(t *testing.T) {
	lines := Lines("3. a\n4. b\n   - inner\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %+v", lines)
	}
	if lines[0].Marker != "3." || lines[1].Marker != "4." {
		t.Fatalf("ordered markers = %q %q", lines[0].Marker, lines[1].Marker)
	}
	if lines[2].Marker != "-" || lines[2].Indent != 1 {
		t.Fatalf("nested item = %+v", lines[2])
	}
}

func TestTaskListAndTable(t *testing.T) {
	lines := Lines("- [x] done\n- [ ] todo\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	if got := history.SpansText(lines[0].Spans); got != "[x] done" {
		t.Fatalf("task = %q", got)
	}
	if got := history.SpansText(lines[1].Spans); got != "[ ] todo" {
		t.Fatalf("task = %q", got)
	}
	if got := history.SpansText(lines[3].Spans); got != "a | b" {
		t.Fatalf("table header = %q", got)
	}
	if !lines[3].Spans[0].Bold {
		t.Fatalf("table header should be bold")
	}
	if got := history.SpansText(lines[4].Spans); got != "1 | 2" {
		t.Fatalf("table row = %q", got)
	}
}

func TestEmptyInput(t *testing.T) {
	if lines := Lines("  \n"); lines != nil {
		t.Fatalf("expected nil, got %+v", lines)
	}
}

func TestReasoningSections(t *testing.T) {
	sections := ReasoningSections("preamble\n\n## Plan\n\nread files\n\n## Check\n\n- run tests\n")
	if len(sections) != 3 {
		t.Fatalf("sections = %+v", sections)
	}
	if sections[0].Heading != "" || history.SpansText(sections[0].Summary) != "preamble" {
		t.Fatalf("untitled section = %+v", sections[0])
	}
	if sections[1].Heading != "Plan" || len(sections[1].Blocks) != 1 {
		t.Fatalf("plan section = %+v", sections[1])
	}
	if sections[2].Blocks[0].Kind != history.LineBullet {
		t.Fatalf("check section = %+v", sections[2])
	}
}
