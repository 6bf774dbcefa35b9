package tui

import (
	"fmt"
	"time"

	"echo-transcript/internal/tui/render"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// StatusState 枚举了状态行可显示的所有状态。
type StatusState int

const (
	// StatusIdle 表示空闲，不显示状态行。
	StatusIdle StatusState = iota
	// StatusWorking 表示模型正在流式输出，计时器累加。
	StatusWorking
	// StatusApproval 表示等待用户审批，计时器暂停。
	StatusApproval
	// StatusError 表示上一轮以错误结束。
	StatusError
)

func (s StatusState) header() string {
	switch s {
	case StatusWorking:
		return "Working"
	case StatusApproval:
		return "Waiting for approval"
	case StatusError:
		return "Error"
	default:
		return ""
	}
}

func (s StatusState) tracksElapsed() bool { return s == StatusWorking }

// StatusIndicator 管理状态行：spinner + 标题 + 计时/中断提示。
type StatusIndicator struct {
	state  StatusState
	detail string

	elapsed      time.Duration
	lastResumeAt time.Time
	paused       bool

	clock func() time.Time
}

// NewStatusIndicator 构造空闲的状态行。clock 为 nil 时使用 time.Now。
func NewStatusIndicator(clock func() time.Time) *StatusIndicator {
	if clock == nil {
		clock = time.Now
	}
	return &StatusIndicator{clock: clock, paused: true, lastResumeAt: clock()}
}

// State 返回当前状态。
func (w *StatusIndicator) State() StatusState { return w.state }

// Start 进入 Working 并清零计时。
func (w *StatusIndicator) Start() {
	w.elapsed = 0
	w.paused = true
	w.detail = ""
	w.Set(StatusWorking)
}

// Set 更新状态并据此暂停或恢复计时。
func (w *StatusIndicator) Set(state StatusState) {
	now := w.clock()
	switch {
	case state.tracksElapsed() && w.paused:
		w.lastResumeAt = now
		w.paused = false
	case !state.tracksElapsed() && !w.paused:
		w.elapsed += now.Sub(w.lastResumeAt)
		w.paused = true
	}
	w.state = state
}

// Fail 进入错误态并记录原因。
func (w *StatusIndicator) Fail(err error) {
	w.Set(StatusError)
	if err != nil {
		w.detail = err.Error()
	}
}

// Elapsed 返回累计的计时时长。
func (w *StatusIndicator) Elapsed() time.Duration {
	if w.paused {
		return w.elapsed
	}
	return w.elapsed + w.clock().Sub(w.lastResumeAt)
}

// View 渲染一行状态；Idle 时返回空串。
func (w *StatusIndicator) View(spin string, theme *render.Theme, width int) string {
	if w == nil || w.state == StatusIdle || width <= 0 {
		return ""
	}
	faint := lipgloss.NewStyle().Faint(true)
	head := lipgloss.NewStyle()
	if theme != nil {
		faint = theme.Dim
		head = theme.Primary
	}
	mark := spin
	switch w.state {
	case StatusApproval:
		mark = "||"
	case StatusError:
		mark = "!"
	}
	spans := []render.Span{{Text: mark}, {Text: " "}, {Text: w.state.header(), Style: head}}
	switch w.state {
	case StatusError:
		if w.detail != "" {
			spans = append(spans, render.Span{Text: ": " + w.detail, Style: faint})
		}
	default:
		spans = append(spans, render.Span{Text: " " + formatHint(fmtElapsedCompact(uint64(w.Elapsed().Seconds())), w.state == StatusWorking), Style: faint})
	}
	line := render.LinesToStrings([]render.Line{{Spans: spans}})[0]
	return ansi.Truncate(line, width, "…")
}

func formatHint(elapsed string, interruptible bool) string {
	if interruptible {
		return fmt.Sprintf("(%s • esc to interrupt)", elapsed)
	}
	return fmt.Sprintf("(%s)", elapsed)
}

// fmtElapsedCompact 将秒数格式化为紧凑的时长字符串。
func fmtElapsedCompact(secs uint64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %02dm %02ds", secs/3600, (secs%3600)/60, secs%60)
	}
}
