package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/producer"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const approvalPollInterval = 150 * time.Millisecond

type approvalTickMsg struct{}

type approvalRequest struct {
	ID    string
	Files []string
}

func pollApprovals() tea.Cmd {
	return tea.Tick(approvalPollInterval, func(time.Time) tea.Msg { return approvalTickMsg{} })
}

// syncApprovals 把新出现的待审批 id 排入队列，已消失的（超时或被中断）移除。
func (m *Model) syncApprovals() {
	pending := m.approvals.Pending()
	sort.Strings(pending)
	live := make(map[string]bool, len(pending))
	for _, id := range pending {
		live[id] = true
		if m.hasApprovalID(id) {
			continue
		}
		req := approvalRequest{ID: id, Files: pendingPatchFiles(m.view)}
		if m.approvalActive == nil {
			m.approvalActive = &req
		} else {
			m.approvalQueue = append(m.approvalQueue, req)
		}
	}
	kept := m.approvalQueue[:0]
	for _, req := range m.approvalQueue {
		if live[req.ID] {
			kept = append(kept, req)
		}
	}
	m.approvalQueue = kept
	if m.approvalActive != nil && !live[m.approvalActive.ID] {
		m.advanceApprovalQueue()
	}
	switch {
	case m.approvalActive != nil:
		m.status.Set(StatusApproval)
	case m.status.State() == StatusApproval:
		m.resumeStatus()
	}
}

// resumeStatus 审批结束后回到 Working 或 Idle。
func (m *Model) resumeStatus() {
	if m.ctrl.Busy() {
		m.status.Set(StatusWorking)
		return
	}
	m.status.Set(StatusIdle)
}

// pendingPatchFiles 取最近一条审批请求涉及的文件。
func pendingPatchFiles(view history.View) []string {
	for i := view.Len() - 1; i >= 0; i-- {
		p, ok := view.Record(i).(history.Patch)
		if !ok || p.Event != history.PatchApprovalRequest {
			continue
		}
		files := make([]string, 0, len(p.Changes))
		for path := range p.Changes {
			files = append(files, path)
		}
		sort.Strings(files)
		return files
	}
	return nil
}

func (m *Model) hasApprovalID(id string) bool {
	if m.approvalActive != nil && m.approvalActive.ID == id {
		return true
	}
	for _, req := range m.approvalQueue {
		if req.ID == id {
			return true
		}
	}
	return false
}

func (m *Model) advanceApprovalQueue() {
	if len(m.approvalQueue) == 0 {
		m.approvalActive = nil
		return
	}
	next := m.approvalQueue[0]
	m.approvalQueue = m.approvalQueue[1:]
	m.approvalActive = &next
}

func (m *Model) approvalView(width int) string {
	if m.approvalActive == nil {
		return ""
	}
	width = max(20, width)
	bold := lipgloss.NewStyle().Bold(true)

	lines := []string{bold.Render("Approval required"), "", "Apply patch to:"}
	if len(m.approvalActive.Files) == 0 {
		lines = append(lines, "  (no files)")
	}
	for _, f := range m.approvalActive.Files {
		lines = append(lines, "  "+f)
	}
	if n := len(m.approvalQueue); n > 0 {
		lines = append(lines, "", m.theme().Dim.Render(plural(n, "more request")+" queued"))
	}
	lines = append(lines, "", bold.Render("[y] approve • [n] deny"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(width - 2).
		Render(strings.Join(lines, "\n"))
}

func (m *Model) handleApprovalKey(msg tea.KeyMsg) tea.Cmd {
	if m.approvalActive == nil {
		return nil
	}
	switch strings.ToLower(msg.String()) {
	case "y", "enter":
		m.decide(true)
	case "n", "esc":
		m.decide(false)
	case "ctrl+c":
		return m.interruptOrQuit()
	}
	return nil
}

func (m *Model) decide(approved bool) {
	req := *m.approvalActive
	m.approvals.Resolve(producer.Decision{ID: req.ID, Approved: approved})
	m.log.WithField("approval_id", req.ID).Infof("approval decided: %v", approved)
	m.advanceApprovalQueue()
	if m.approvalActive == nil && m.status.State() == StatusApproval {
		m.resumeStatus()
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
