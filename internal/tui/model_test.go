package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	"echo-transcript/internal/producer"
	"echo-transcript/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

func newTestModel(t *testing.T, answer string) (*Model, *session.Controller) {
	t.Helper()
	c := session.New(session.Options{
		Source:    producer.NewScriptedSource(answer),
		Workdir:   t.TempDir(),
		Snapshots: session.NewFileStore(t.TempDir()),
	})
	m := New(Options{Controller: c, Theme: "plain", Copy: func(string) error { return nil }})
	t.Cleanup(func() {
		m.Close()
		c.Close()
	})
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return m, c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func syncView(t *testing.T, m *Model) {
	t.Helper()
	if err := m.ctrl.Store().Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m.Update(m.loadView()())
}

func enter(t *testing.T, m *Model, text string) tea.Msg {
	t.Helper()
	m.input.SetValue(text)
	cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("enter %q produced no command", text)
	}
	msg := cmd()
	m.Update(msg)
	syncView(t, m)
	return msg
}

func plain(m *Model) string {
	return m.cache.PlainText(m.view, m.cache.Settings())
}

func TestSubmitRendersTranscript(t *testing.T) {
	m, _ := newTestModel(t, "ok answer")

	if !strings.Contains(m.View(), welcomeText) {
		t.Fatalf("empty transcript should show the welcome line")
	}
	msg := enter(t, m, "hello there")
	if done, ok := msg.(turnDoneMsg); !ok || done.err != nil {
		t.Fatalf("turn = %#v", msg)
	}
	text := plain(m)
	if !strings.Contains(text, "hello there") || !strings.Contains(text, "ok answer") {
		t.Fatalf("transcript = %q", text)
	}
	if m.status.State() != StatusIdle {
		t.Fatalf("status = %v", m.status.State())
	}
	if m.input.Value() != "" {
		t.Fatalf("composer should clear, got %q", m.input.Value())
	}
	if !strings.Contains(m.View(), "echo-transcript") {
		t.Fatalf("header missing")
	}
}

func TestStaleTurnDoneIsIgnored(t *testing.T) {
	m, _ := newTestModel(t, "x")
	m.turnSeq = 2
	m.status.Start()
	m.Update(turnDoneMsg{seq: 1})
	if m.status.State() != StatusWorking {
		t.Fatalf("stale completion changed status to %v", m.status.State())
	}
	m.Update(turnDoneMsg{seq: 2, err: context.Canceled})
	if m.status.State() != StatusIdle {
		t.Fatalf("cancelled turn should go idle, got %v", m.status.State())
	}
}

func TestSlashUndoSaveSessions(t *testing.T) {
	m, _ := newTestModel(t, "ok answer")
	enter(t, m, "first prompt")
	if m.view.Len() != 2 {
		t.Fatalf("records = %d", m.view.Len())
	}

	saved, ok := enter(t, m, "/save").(noticeMsg)
	if !ok || saved.err != nil || !strings.HasPrefix(saved.text, "saved ") {
		t.Fatalf("/save = %+v", saved)
	}
	listed, ok := enter(t, m, "/sessions").(noticeMsg)
	if !ok || listed.err != nil || !strings.Contains(listed.text, m.ctrl.ID()) || !strings.Contains(listed.text, "first prompt") {
		t.Fatalf("/sessions = %+v", listed)
	}

	undone, ok := enter(t, m, "/undo").(noticeMsg)
	if !ok || undone.err != nil || undone.text != "removed 2 records" {
		t.Fatalf("/undo = %+v", undone)
	}
	if m.view.Len() != 0 {
		t.Fatalf("records after undo = %d", m.view.Len())
	}
	if bad, _ := enter(t, m, "/undo abc").(noticeMsg); bad.err == nil {
		t.Fatalf("bad undo id should fail")
	}

	resumed, ok := enter(t, m, "/resume").(resumedMsg)
	if !ok || resumed.view.Len() != 2 {
		t.Fatalf("/resume = %+v", resumed)
	}
	if len(m.prompts.entries) != 1 || m.prompts.entries[0] != "first prompt" {
		t.Fatalf("prompt history after resume = %v", m.prompts.entries)
	}
}

func TestSlashLocalCommands(t *testing.T) {
	m, _ := newTestModel(t, "x")

	m.runSlash("theme", "light")
	if m.theme().Name != "light" || m.noticeErr {
		t.Fatalf("theme = %s, notice %q", m.theme().Name, m.notice)
	}
	m.runSlash("theme", "")
	if m.theme().Name != "plain" {
		t.Fatalf("cycle from light = %s", m.theme().Name)
	}
	m.runSlash("theme", "neon")
	if !m.noticeErr {
		t.Fatalf("unknown theme should set an error notice")
	}

	before := m.cache.Settings().ReasoningVisible
	m.handleKey(tea.KeyMsg{Type: tea.KeyCtrlR})
	if m.cache.Settings().ReasoningVisible == before {
		t.Fatalf("ctrl+r should toggle reasoning")
	}

	m.input.SetValue("/nope")
	m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	if !m.noticeErr || !strings.Contains(m.notice, "unknown command") {
		t.Fatalf("notice = %q", m.notice)
	}
	if cmd := m.runSlash("run", ""); cmd != nil || !m.noticeErr {
		t.Fatalf("/run without args should only warn")
	}
}

func TestSearchAndCopy(t *testing.T) {
	m, _ := newTestModel(t, "needle in a haystack")
	var copied string
	m.opts.Copy = func(s string) error { copied = s; return nil }

	if cmd := m.copyAnswer(); cmd != nil || !m.noticeErr {
		t.Fatalf("empty transcript has nothing to copy")
	}
	enter(t, m, "where is it")

	m.runFind("needle")
	if !m.find.active() || len(m.find.matches) == 0 {
		t.Fatalf("find = %+v", m.find)
	}
	if !strings.Contains(m.View(), `search "needle"`) {
		t.Fatalf("find bar missing")
	}
	m.handleKey(tea.KeyMsg{Type: tea.KeyEsc})
	if m.find.active() {
		t.Fatalf("esc should clear the search")
	}
	m.runFind("zzzzqqq")
	if len(m.find.matches) != 0 || !m.noticeErr {
		t.Fatalf("expected no matches, got %+v", m.find.matches)
	}

	msg := m.copyAnswer()()
	if n, ok := msg.(noticeMsg); !ok || n.err != nil {
		t.Fatalf("copy = %+v", msg)
	}
	if copied != "needle in a haystack" {
		t.Fatalf("copied %q", copied)
	}
}

func TestPromptHistoryKeys(t *testing.T) {
	m, _ := newTestModel(t, "x")
	m.prompts.Add("one")
	m.prompts.Add("two")

	m.handleKey(tea.KeyMsg{Type: tea.KeyUp})
	if m.input.Value() != "two" {
		t.Fatalf("up = %q", m.input.Value())
	}
	m.handleKey(tea.KeyMsg{Type: tea.KeyUp})
	if m.input.Value() != "one" {
		t.Fatalf("up twice = %q", m.input.Value())
	}
	m.handleKey(tea.KeyMsg{Type: tea.KeyDown})
	m.handleKey(tea.KeyMsg{Type: tea.KeyDown})
	if m.input.Value() != "" || m.prompts.Browsing() {
		t.Fatalf("down past the end should restore the draft, got %q", m.input.Value())
	}
}

func TestSlashPopupFollowsInput(t *testing.T) {
	m, _ := newTestModel(t, "x")
	m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	if !m.slash.Open() {
		t.Fatalf("typing / should open the popup")
	}
	if !strings.Contains(m.View(), "/undo") {
		t.Fatalf("popup should list commands")
	}
	m.handleKey(tea.KeyMsg{Type: tea.KeyEsc})
	if m.slash.Open() {
		t.Fatalf("esc should close the popup")
	}
}
