package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
	"echo-transcript/internal/producer"
	"echo-transcript/internal/search"
	"echo-transcript/internal/session"
	"echo-transcript/internal/tui/render"
	"echo-transcript/internal/tui/slash"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const (
	welcomeText    = "Type a message to start, or / for commands."
	maxComposer    = 6
	findLimit      = 200
	findFilesLimit = 50
)

const helpText = `enter send • ctrl+j newline • ↑/↓ prompt history
pgup/pgdown scroll • shift+↑/↓ line scroll • wheel scroll
esc interrupt / clear search • ctrl+c interrupt, then quit
ctrl+r reasoning • ctrl+t theme • ctrl+y copy answer
ctrl+n/ctrl+p next/prev search match • / commands`

// Options 配置 TUI；Controller 必填。
type Options struct {
	Controller    *session.Controller
	Theme         string
	ShowReasoning bool
	InitialPrompt string
	// Copy 默认写系统剪贴板。
	Copy   func(string) error
	Clock  func() time.Time
	Logger *logger.LogEntry
}

type viewMsg struct {
	view   history.View
	listen bool
	closed bool
}

type turnDoneMsg struct {
	seq int
	err error
}

type noticeMsg struct {
	text string
	err  error
}

type resumedMsg struct {
	rec  session.Record
	view history.View
}

type findState struct {
	query   string
	matches []search.Match
	pos     int
}

func (f *findState) active() bool { return f.query != "" }

// Model 是会话记录查看器：上方是渲染缓存驱动的视口，下方是输入框。
type Model struct {
	opts      Options
	ctrl      *session.Controller
	cache     *render.Cache
	approvals *producer.Approvals
	changes   <-chan history.Change
	view      history.View

	viewport render.Viewport
	input    textarea.Model
	spin     spinner.Model
	status   *StatusIndicator
	slash    *slash.State
	prompts  promptHistory
	find     findState

	approvalActive *approvalRequest
	approvalQueue  []approvalRequest

	turnSeq   int
	runCancel context.CancelFunc

	notice    string
	noticeErr bool
	dirty     bool
	width     int
	height    int
	quitting  bool
	log       *logger.LogEntry
}

func New(opts Options) *Model {
	if opts.Copy == nil {
		opts.Copy = clipboard.WriteAll
	}
	entry := opts.Logger
	if entry == nil {
		entry = logger.Named("tui")
	}
	ctrl := opts.Controller
	cache := ctrl.Cache()
	if opts.Theme != "" {
		if theme, ok := render.ThemeByName(opts.Theme); ok {
			cache.SetTheme(theme)
		}
	}
	cache.SetReasoningVisible(opts.ShowReasoning)

	ti := textarea.New()
	ti.Placeholder = "Ask anything…"
	ti.Prompt = "› "
	ti.CharLimit = 0
	ti.ShowLineNumbers = false
	ti.SetHeight(1)
	ti.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("ctrl+j", "alt+enter"))
	ti.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	m := &Model{
		opts:      opts,
		ctrl:      ctrl,
		cache:     cache,
		approvals: ctrl.Approvals(),
		changes:   ctrl.Store().Subscribe(),
		viewport:  render.NewViewport(80, 20),
		input:     ti,
		spin:      spin,
		status:    NewStatusIndicator(opts.Clock),
		slash:     slash.NewState(8),
		dirty:     true,
		width:     80,
		height:    24,
		log:       entry,
	}
	m.spin.Style = m.theme().Primary
	return m
}

func (m *Model) theme() *render.Theme {
	if t := m.cache.Theme(); t != nil {
		return t
	}
	t, _ := render.ThemeByName("")
	return t
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadView(), m.listenChanges(), m.spin.Tick, pollApprovals()}
	if prompt := strings.TrimSpace(m.opts.InitialPrompt); prompt != "" {
		m.prompts.Add(prompt)
		cmds = append(cmds, m.submit(prompt))
	}
	return tea.Batch(cmds...)
}

// loadView 读取一次当前视图，不续订变更。
func (m *Model) loadView() tea.Cmd {
	store := m.ctrl.Store()
	return func() tea.Msg {
		v, err := store.View(context.Background())
		if err != nil {
			return viewMsg{closed: true}
		}
		return viewMsg{view: v}
	}
}

// listenChanges 等待下一条变更，合并已积压的变更后取一次视图。
func (m *Model) listenChanges() tea.Cmd {
	ch, store := m.changes, m.ctrl.Store()
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return viewMsg{closed: true}
		}
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return viewMsg{closed: true}
				}
			default:
				break drain
			}
		}
		v, err := store.View(context.Background())
		if err != nil {
			return viewMsg{closed: true}
		}
		return viewMsg{view: v, listen: true}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m.finish()
	case viewMsg:
		if msg.closed {
			m.changes = nil
			return m.finish()
		}
		m.view = msg.view
		m.dirty = true
		if m.find.active() {
			m.refind()
		}
		if msg.listen {
			return m.finish(m.listenChanges())
		}
		return m.finish()
	case turnDoneMsg:
		if msg.seq != m.turnSeq {
			return m.finish()
		}
		switch {
		case msg.err == nil || errors.Is(msg.err, context.Canceled):
			m.status.Set(StatusIdle)
		default:
			m.log.Warnf("turn failed: %v", msg.err)
			m.status.Fail(msg.err)
		}
		return m.finish()
	case noticeMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
		} else {
			m.setNotice(msg.text, false)
		}
		return m.finish()
	case resumedMsg:
		m.view = msg.view
		m.dirty = true
		m.find = findState{}
		m.prompts.Seed(msg.view)
		m.status.Set(StatusIdle)
		m.viewport.Invalidate()
		m.setNotice(fmt.Sprintf("resumed %s (%d records)", msg.rec.ID, msg.view.Len()), false)
		return m.finish()
	case approvalTickMsg:
		m.syncApprovals()
		return m.finish(pollApprovals())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m.finish(cmd)
	case tea.MouseMsg:
		return m.finish(m.viewport.HandleUpdate(msg))
	case tea.KeyMsg:
		return m.finish(m.handleKey(msg))
	}
	return m.finish()
}

func (m *Model) finish(cmds ...tea.Cmd) (tea.Model, tea.Cmd) {
	m.layout()
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if m.approvalActive != nil {
		return m.handleApprovalKey(msg)
	}
	if act, ok := m.slash.HandleKey(msg.String()); ok {
		return m.applySlashAction(act)
	}
	switch msg.String() {
	case "ctrl+c":
		return m.interruptOrQuit()
	case "esc":
		switch {
		case m.find.active():
			m.find = findState{}
			m.notice = ""
		case m.runCancel != nil:
			m.runCancel()
			m.runCancel = nil
		case m.ctrl.Busy():
			return m.interrupt()
		default:
			m.notice = ""
		}
		return nil
	case "enter":
		return m.handleEnter()
	case "ctrl+r":
		m.toggleReasoning()
		return nil
	case "ctrl+t":
		m.setTheme("")
		return nil
	case "ctrl+y":
		return m.copyAnswer()
	case "ctrl+n":
		m.stepFind(1)
		return nil
	case "ctrl+p":
		m.stepFind(-1)
		return nil
	case "pgup":
		m.viewport.ScrollToRow(m.viewport.YOffset - m.viewport.Height)
		return nil
	case "pgdown":
		m.viewport.ScrollToRow(m.viewport.YOffset + m.viewport.Height)
		return nil
	case "shift+up":
		m.viewport.ScrollToRow(m.viewport.YOffset - 1)
		return nil
	case "shift+down":
		m.viewport.ScrollToRow(m.viewport.YOffset + 1)
		return nil
	case "up":
		if m.historyKey(true) {
			return nil
		}
	case "down":
		if m.historyKey(false) {
			return nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.prompts.ResetBrowsingIfEdited(m.input.Value())
	m.slash.SyncInput(m.input.Value())
	return cmd
}

// historyKey 在单行输入时用上下键浏览历史。
func (m *Model) historyKey(up bool) bool {
	if m.input.LineCount() > 1 {
		return false
	}
	if up {
		if m.input.Value() != "" && !m.prompts.Browsing() {
			return false
		}
		text, ok := m.prompts.Prev(m.input.Value())
		if ok {
			m.setInput(text)
		}
		return ok
	}
	if !m.prompts.Browsing() {
		return false
	}
	text, ok := m.prompts.Next()
	if ok {
		m.setInput(text)
	}
	return ok
}

func (m *Model) setInput(text string) {
	m.input.SetValue(text)
	m.input.CursorEnd()
	m.slash.SyncInput(text)
}

func (m *Model) handleEnter() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.slash.Close()
	m.prompts.Add(text)
	if strings.HasPrefix(text, "/") {
		return m.applySlashAction(m.slash.ResolveSubmit(text))
	}
	m.notice = ""
	return m.submit(text)
}

// submit 开启新一轮对话；正在运行的一轮由 Controller 中断。
func (m *Model) submit(text string) tea.Cmd {
	m.turnSeq++
	seq := m.turnSeq
	m.status.Start()
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := ctrl.Submit(context.Background(), text); err != nil {
			return turnDoneMsg{seq: seq, err: err}
		}
		return turnDoneMsg{seq: seq, err: ctrl.Wait()}
	}
}

func (m *Model) interrupt() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		settled, err := ctrl.Interrupt(context.Background())
		if err != nil {
			return noticeMsg{err: err}
		}
		if !settled {
			return noticeMsg{text: "nothing to interrupt"}
		}
		return noticeMsg{text: "interrupted"}
	}
}

func (m *Model) interruptOrQuit() tea.Cmd {
	if m.ctrl.Busy() {
		return m.interrupt()
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.quitting = true
	return tea.Quit
}

func (m *Model) applySlashAction(act slash.Action) tea.Cmd {
	switch act.Kind {
	case slash.ActionInsert:
		m.setInput(act.NewValue)
	case slash.ActionSubmit:
		value := "/" + string(act.Command)
		if act.Args != "" {
			value += " " + act.Args
		}
		m.input.Reset()
		m.prompts.Add(value)
		return m.runSlash(act.Command, act.Args)
	case slash.ActionError:
		m.setNotice(act.Message, true)
	}
	return nil
}

func (m *Model) runSlash(cmd slash.Command, args string) tea.Cmd {
	ctrl := m.ctrl
	switch cmd {
	case slash.CommandUndo:
		return func() tea.Msg {
			var (
				mut history.Mutation
				err error
			)
			if args == "" {
				mut, err = ctrl.Undo(context.Background())
			} else {
				n, perr := strconv.ParseUint(strings.TrimPrefix(args, "#"), 10, 64)
				if perr != nil {
					return noticeMsg{err: fmt.Errorf("undo: bad record id %q", args)}
				}
				mut, err = ctrl.UndoTo(context.Background(), history.HistoryID(n))
			}
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: "removed " + plural(len(mut.Removed), "record")}
		}
	case slash.CommandSave:
		return func() tea.Msg {
			rec, err := ctrl.Save(context.Background())
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: fmt.Sprintf("saved %s (%s)", rec.ID, rec.Revision)}
		}
	case slash.CommandResume:
		return func() tea.Msg {
			rec, err := ctrl.Resume(context.Background(), args)
			if err != nil {
				return noticeMsg{err: err}
			}
			v, err := ctrl.Store().View(context.Background())
			if err != nil {
				return noticeMsg{err: err}
			}
			return resumedMsg{rec: rec, view: v}
		}
	case slash.CommandSessions:
		return func() tea.Msg {
			infos, err := ctrl.Sessions(context.Background())
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: formatSessions(infos)}
		}
	case slash.CommandRun:
		if args == "" {
			m.setNotice("usage: /run <command>", true)
			return nil
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.runCancel = cancel
		return func() tea.Msg {
			defer cancel()
			res, err := ctrl.RunCommand(ctx, []string{"sh", "-c", args})
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: fmt.Sprintf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond))}
		}
	case slash.CommandApply:
		if args == "" {
			m.setNotice("usage: /apply <patch-file>", true)
			return nil
		}
		path := args
		if !filepath.IsAbs(path) && ctrl.Workdir() != "" {
			path = filepath.Join(ctrl.Workdir(), path)
		}
		return func() tea.Msg {
			data, err := os.ReadFile(path)
			if err != nil {
				return noticeMsg{err: err}
			}
			if _, err := ctrl.ApplyPatch(context.Background(), string(data), false); err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: "patch applied"}
		}
	case slash.CommandFind:
		raw, _ := json.Marshal(map[string]any{"pattern": args, "limit": findFilesLimit})
		return func() tea.Msg {
			out, err := ctrl.CallTool(context.Background(), "find_files", raw)
			if err != nil {
				return noticeMsg{err: err}
			}
			n := 0
			if out != "" {
				n = strings.Count(out, "\n") + 1
			}
			return noticeMsg{text: "found " + plural(n, "file")}
		}
	case slash.CommandSearch:
		m.runFind(args)
	case slash.CommandTheme:
		m.setTheme(args)
	case slash.CommandReasoning:
		m.toggleReasoning()
	case slash.CommandCopy:
		return m.copyAnswer()
	case slash.CommandInterrupt:
		return m.interrupt()
	case slash.CommandHelp:
		m.setNotice(helpText, false)
	case slash.CommandQuit:
		return m.interruptOrQuit()
	}
	return nil
}

func formatSessions(infos []session.Info) string {
	if len(infos) == 0 {
		return "no saved sessions"
	}
	lines := make([]string, 0, len(infos))
	for _, info := range infos {
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %3d  %s", info.ID, info.Updated.Local().Format("2006-01-02 15:04"), info.Records, title))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) toggleReasoning() {
	visible := !m.cache.Settings().ReasoningVisible
	m.cache.SetReasoningVisible(visible)
	m.dirty = true
	if visible {
		m.setNotice("reasoning shown", false)
	} else {
		m.setNotice("reasoning hidden", false)
	}
}

// setTheme 切换主题；name 为空时轮换到下一个。
func (m *Model) setTheme(name string) {
	names := render.ThemeNames()
	if strings.TrimSpace(name) == "" {
		idx := slices.Index(names, m.theme().Name)
		name = names[(idx+1)%len(names)]
	}
	theme, ok := render.ThemeByName(name)
	if !ok {
		m.setNotice(fmt.Sprintf("unknown theme %q (have %s)", name, strings.Join(names, ", ")), true)
		return
	}
	m.cache.SetTheme(theme)
	m.spin.Style = theme.Primary
	m.viewport.Invalidate()
	m.dirty = true
	m.setNotice("theme: "+theme.Name, false)
}

// copyAnswer 复制最后一条助手回答；没有回答时复制可见区域。
func (m *Model) copyAnswer() tea.Cmd {
	text := ""
	for i := m.view.Len() - 1; i >= 0; i-- {
		if msg, ok := m.view.Record(i).(history.AssistantMessage); ok {
			text = msg.Markdown
			break
		}
	}
	if text == "" {
		var parts []string
		for _, cell := range m.cache.VisibleCells(m.view, m.viewport.VisibleRange(), m.cache.Settings()) {
			parts = append(parts, cell.Layout.Text())
		}
		text = strings.Join(parts, "\n\n")
	}
	if strings.TrimSpace(text) == "" {
		m.setNotice("nothing to copy", true)
		return nil
	}
	copyFn := m.opts.Copy
	return func() tea.Msg {
		if err := copyFn(text); err != nil {
			return noticeMsg{err: fmt.Errorf("copy: %w", err)}
		}
		return noticeMsg{text: fmt.Sprintf("copied %d characters", len([]rune(text)))}
	}
}

func (m *Model) runFind(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		m.find = findState{}
		m.setNotice("usage: /search <text>", true)
		return
	}
	m.find = findState{query: query}
	m.refind()
	if len(m.find.matches) == 0 {
		m.setNotice(fmt.Sprintf("no matches for %q", query), true)
		return
	}
	m.notice = ""
	m.jumpToMatch()
}

func (m *Model) refind() {
	rows := m.cache.PlainLines(m.view, m.cache.Settings())
	m.find.matches = search.Rows(rows, m.find.query, findLimit)
	if m.find.pos >= len(m.find.matches) {
		m.find.pos = 0
	}
}

func (m *Model) stepFind(delta int) {
	n := len(m.find.matches)
	if n == 0 {
		return
	}
	m.find.pos = (m.find.pos + delta + n) % n
	m.jumpToMatch()
}

func (m *Model) jumpToMatch() {
	m.refresh()
	row := m.find.matches[m.find.pos].Row
	m.viewport.ScrollToRow(row - m.viewport.Height/3)
}

func (m *Model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
}

// layout 根据底部区域高度调整视口，必要时重渲染。
func (m *Model) layout() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	m.input.SetWidth(max(10, m.width-2))
	rows := min(max(m.input.LineCount(), 1), maxComposer)
	if m.input.Height() != rows {
		m.input.SetHeight(rows)
	}
	bottom := lipgloss.Height(m.bottomView())
	m.viewport.Resize(m.width, max(1, m.height-1-bottom))
	if m.cache.SetWidth(m.width) {
		m.viewport.Invalidate()
		m.dirty = true
	}
	if m.dirty {
		m.refresh()
	}
}

func (m *Model) refresh() {
	lines := m.cache.Lines(m.view, m.cache.Settings())
	if len(lines) == 0 {
		lines = []string{m.theme().Dim.Render(welcomeText)}
	}
	m.viewport.SetLines(lines)
	m.dirty = false
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.headerView(), m.viewport.View(), m.bottomView())
}

func (m *Model) headerView() string {
	t := m.theme()
	parts := []string{}
	if model := m.ctrl.Model(); model != "" {
		parts = append(parts, model)
	}
	if wd := m.ctrl.Workdir(); wd != "" {
		parts = append(parts, wd)
	}
	if id := m.ctrl.ID(); id != "" {
		parts = append(parts, "session "+id)
	}
	line := t.Primary.Bold(true).Render("echo-transcript")
	if len(parts) > 0 {
		line += " " + t.Dim.Render(strings.Join(parts, " • "))
	}
	return ansi.Truncate(line, m.width, "…")
}

func (m *Model) bottomView() string {
	t := m.theme()
	var parts []string
	if s := m.status.View(m.spin.View(), t, m.width); s != "" {
		parts = append(parts, s)
	}
	switch {
	case m.approvalActive != nil:
		parts = append(parts, m.approvalView(m.width))
	case m.slash.Open():
		parts = append(parts, m.slash.View(m.width))
	case m.find.active():
		parts = append(parts, m.findView())
	}
	parts = append(parts, lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), true, false, false, false).
		BorderForeground(lipgloss.Color("#5E6472")).
		Render(m.input.View()))
	parts = append(parts, m.footerView())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) findView() string {
	t := m.theme()
	pos := 0
	if len(m.find.matches) > 0 {
		pos = m.find.pos + 1
	}
	line := fmt.Sprintf("search %q %d/%d", m.find.query, pos, len(m.find.matches))
	return ansi.Truncate(t.Info.Render(line)+t.Dim.Render(" • ctrl+n/ctrl+p • esc clear"), m.width, "…")
}

func (m *Model) footerView() string {
	t := m.theme()
	if m.notice != "" {
		style := t.Dim
		if m.noticeErr {
			style = t.Error
		}
		lines := strings.Split(m.notice, "\n")
		for i, line := range lines {
			lines[i] = ansi.Truncate(style.Render(line), m.width, "…")
		}
		return strings.Join(lines, "\n")
	}
	hint := "enter send • / commands • ctrl+r reasoning • ctrl+t theme • ctrl+y copy • esc interrupt"
	return ansi.Truncate(t.Dim.Render(hint), m.width, "…")
}

// Close 取消订阅；Controller 由调用方关闭。
func (m *Model) Close() {
	if m.changes != nil {
		m.ctrl.Store().Unsubscribe(m.changes)
		m.changes = nil
	}
}
