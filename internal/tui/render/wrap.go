package render

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// wrapText 使用词级别换行，按显示宽度计算（宽字符占两列）。
func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	lines := []string{}
	for _, raw := range strings.Split(text, "\n") {
		runes := []rune(raw)
		for _, r := range wrapRanges(runes, width, false) {
			lines = append(lines, string(runes[r[0]:r[1]]))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	return lines
}

// wrapRanges 返回每个输出行在 runes 中的 [start, end) 区间。
// preserve 为 true 时按字符硬换行并保留空白（代码、命令输出）。
func wrapRanges(runes []rune, width int, preserve bool) [][2]int {
	n := len(runes)
	if n == 0 || width <= 0 {
		return [][2]int{{0, n}}
	}
	var out [][2]int
	i := 0
	for i < n {
		if !preserve && len(out) > 0 {
			for i < n && runes[i] == ' ' {
				i++
			}
			if i >= n {
				break
			}
		}
		w, j, lastSpace := 0, i, -1
		for j < n {
			rw := runewidth.RuneWidth(runes[j])
			if w+rw > width {
				break
			}
			if runes[j] == ' ' {
				lastSpace = j
			}
			w += rw
			j++
		}
		switch {
		case j >= n:
			out = append(out, [2]int{i, n})
			i = n
		case preserve:
			if j == i {
				j = i + 1
			}
			out = append(out, [2]int{i, j})
			i = j
		case runes[j] == ' ':
			out = append(out, [2]int{i, trimSpaceEnd(runes, i, j)})
			i = j
		case lastSpace > i:
			out = append(out, [2]int{i, trimSpaceEnd(runes, i, lastSpace)})
			i = lastSpace + 1
		default:
			// 单词比一行还长：按宽度硬切。
			if j == i {
				j = i + 1
			}
			out = append(out, [2]int{i, j})
			i = j
		}
	}
	if len(out) == 0 {
		out = append(out, [2]int{0, 0})
	}
	return out
}

func trimSpaceEnd(runes []rune, start, end int) int {
	for end > start && runes[end-1] == ' ' {
		end--
	}
	return end
}

// wrapLine 在保留每段样式的前提下换行。
func wrapLine(line Line, width int, preserve bool) []Line {
	var runes []rune
	var owner []int
	for i, sp := range line.Spans {
		for _, r := range sp.Text {
			runes = append(runes, r)
			owner = append(owner, i)
		}
	}
	if len(runes) == 0 {
		return []Line{line}
	}
	ranges := wrapRanges(runes, width, preserve)
	out := make([]Line, 0, len(ranges))
	for _, r := range ranges {
		var spans []Span
		for k := r[0]; k < r[1]; {
			idx := owner[k]
			end := k
			for end < r[1] && owner[end] == idx {
				end++
			}
			spans = append(spans, Span{Text: string(runes[k:end]), Style: line.Spans[idx].Style})
			k = end
		}
		out = append(out, Line{Spans: spans, Style: line.Style})
	}
	return out
}

// wrapLines 对每一行执行 wrapLine。
func wrapLines(lines []Line, width int, preserve bool) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, wrapLine(l, width, preserve)...)
	}
	return out
}

// truncateText 截断到给定显示宽度，末尾加省略号。
func truncateText(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, "…")
}
