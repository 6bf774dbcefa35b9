package tui

import (
	"strings"

	"echo-transcript/internal/history"
	"echo-transcript/internal/session"
)

// promptHistory 负责输入框历史浏览状态（上下箭头）。
// cursor == len(entries) 表示当前在“最新输入”位置。
type promptHistory struct {
	entries []string
	cursor  int
	draft   string
}

// Seed 从会话中的用户消息重建历史，resume 后调用。
func (h *promptHistory) Seed(view history.View) {
	h.entries = h.entries[:0]
	for _, msg := range session.Conversation(view) {
		if msg.Role == history.RoleUser {
			h.entries = append(h.entries, msg.Content)
		}
	}
	h.ResetBrowsing()
}

func (h *promptHistory) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n := len(h.entries); n > 0 && h.entries[n-1] == text {
		h.ResetBrowsing()
		return
	}
	h.entries = append(h.entries, text)
	h.ResetBrowsing()
}

func (h *promptHistory) Browsing() bool {
	return h.cursor < len(h.entries)
}

func (h *promptHistory) ResetBrowsing() {
	h.cursor = len(h.entries)
	h.draft = ""
}

func (h *promptHistory) Prev(current string) (string, bool) {
	if len(h.entries) == 0 {
		return "", false
	}
	if h.cursor == len(h.entries) {
		h.draft = current
	}
	if h.cursor > 0 {
		h.cursor--
	}
	return h.entries[h.cursor], true
}

func (h *promptHistory) Next() (string, bool) {
	if h.cursor >= len(h.entries) {
		return "", false
	}
	if h.cursor < len(h.entries)-1 {
		h.cursor++
		return h.entries[h.cursor], true
	}
	h.cursor = len(h.entries)
	return h.draft, true
}

// ResetBrowsingIfEdited 浏览历史时一旦编辑就回到最新位置。
func (h *promptHistory) ResetBrowsingIfEdited(value string) {
	if h.Browsing() && h.entries[h.cursor] != value {
		h.ResetBrowsing()
	}
}
