package render

import (
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Viewport 包装 bubbles viewport：内容来自 Cache.Lines，追加时贴底。
type Viewport struct {
	viewport.Model
	lastLines []string
}

// NewViewport 创建视口；使用 Bubble Tea 默认渲染器。
func NewViewport(width, height int) Viewport {
	return Viewport{Model: viewport.New(width, height)}
}

// Resize 更新宽高；宽度变化时清空差分缓存。
func (v *Viewport) Resize(width, height int) {
	if v == nil {
		return
	}
	if v.Width != width {
		v.Invalidate()
	}
	v.Width = width
	v.Height = height
}

// HandleUpdate 代理 bubbles 的 Update。
func (v *Viewport) HandleUpdate(msg tea.Msg) tea.Cmd {
	if v == nil {
		return nil
	}
	var cmd tea.Cmd
	v.Model, cmd = v.Model.Update(msg)
	return cmd
}

// SetLines 更新内容；原本在底部则保持在底部。返回内容是否变化。
func (v *Viewport) SetLines(lines []string) bool {
	if v == nil || slices.Equal(lines, v.lastLines) {
		return false
	}
	stickToBottom := v.AtBottom() || len(v.lastLines) == 0
	v.lastLines = append([]string(nil), lines...)
	v.SetContent(strings.Join(lines, "\n"))
	if stickToBottom {
		v.GotoBottom()
	}
	return true
}

// ScrollToRow 让 row 出现在视口顶部（受内容高度限制）。
func (v *Viewport) ScrollToRow(row int) {
	if v == nil {
		return
	}
	v.SetYOffset(max(row, 0))
}

// VisibleRange 返回当前可见的行区间。
func (v *Viewport) VisibleRange() Range {
	if v == nil {
		return Range{}
	}
	return Range{Start: v.YOffset, End: v.YOffset + v.Height}
}

// Invalidate 清空差分缓存，下次 SetLines 必然重设内容。
func (v *Viewport) Invalidate() {
	if v == nil {
		return
	}
	v.lastLines = nil
}
