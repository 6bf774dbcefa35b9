package slash

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

var (
	nameStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#C4A1FF"))
	descStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	highlightStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EBCB8B"))
	selectedStyle  = lipgloss.NewStyle().Background(lipgloss.Color("#2F2A3D"))
)

// View 渲染弹窗内容，每个条目一行，超宽部分截断。
func (s *State) View(width int) string {
	if s == nil || !s.open {
		return ""
	}
	if width < 20 {
		width = 20
	}
	if len(s.matches) == 0 {
		return descStyle.Render("no matches")
	}
	nameWidth := 0
	for _, m := range s.matches {
		if w := runewidth.StringWidth(m.item.DisplayName()); w > nameWidth {
			nameWidth = w
		}
	}
	if nameWidth > width/2 {
		nameWidth = width / 2
	}

	start, end := window(len(s.matches), s.selected, s.maxLines)
	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		m := s.matches[i]
		name := runewidth.FillRight(m.item.DisplayName(), nameWidth)
		row := nameStyle.Render(highlight(name, m.highlights)) + "  " + descStyle.Render(m.item.Description)
		row = ansi.Truncate(row, width, "…")
		if i == s.selected {
			row = selectedStyle.Render(row)
		}
		lines = append(lines, row)
	}
	return strings.Join(lines, "\n")
}

// window 返回包含 selected 的 [start,end) 区间，最多 max 项。
func window(n, selected, max int) (int, int) {
	if max <= 0 || n <= max {
		return 0, n
	}
	start := selected - max + 1
	if start < 0 {
		start = 0
	}
	return start, start + max
}

func highlight(name string, indexes []int) string {
	if len(indexes) == 0 {
		return name
	}
	marked := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		marked[idx] = true
	}
	var b strings.Builder
	for i, r := range []rune(name) {
		if marked[i] {
			b.WriteString(highlightStyle.Render(string(r)))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
