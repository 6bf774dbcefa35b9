package slash

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// ActionKind 描述按键触发后的处理类型。
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionClose
	ActionInsert
	ActionSubmit
	ActionError
)

// Action 汇总 Slash 处理结果。
type Action struct {
	Kind     ActionKind
	Command  Command
	Args     string
	NewValue string
	Message  string
}

// State 维护 slash 弹窗的匹配与选择状态。
type State struct {
	items    []Item
	matches  []match
	selected int
	open     bool
	query    string
	args     string
	maxLines int
}

type match struct {
	item       Item
	highlights []int
	score      int
}

// NewState 构造 slash 状态机。maxLines <= 0 时默认 8 行。
func NewState(maxLines int) *State {
	if maxLines <= 0 {
		maxLines = 8
	}
	return &State{items: Builtins(), maxLines: maxLines}
}

// Open 返回弹窗是否展示。
func (s *State) Open() bool {
	return s != nil && s.open
}

// Selected returns the highlighted item, if any.
func (s *State) Selected() (Item, bool) {
	if s == nil || !s.open || len(s.matches) == 0 {
		return Item{}, false
	}
	return s.matches[s.selected].item, true
}

// SyncInput 根据最新文本同步过滤列表与选中项。
// 只有单行且首字符为 / 且还没输入参数时弹窗才打开。
func (s *State) SyncInput(value string) {
	if s == nil {
		return
	}
	s.open = false
	s.matches = nil
	if !strings.HasPrefix(value, "/") || strings.Contains(value, "\n") {
		return
	}
	token, args, hasArgs := strings.Cut(value[1:], " ")
	s.query = token
	s.args = strings.TrimSpace(args)
	if hasArgs {
		return
	}
	s.open = true
	s.matches = filterMatches(s.items, token)
	if s.selected >= len(s.matches) {
		s.selected = 0
	}
}

// Close 隐藏弹窗。
func (s *State) Close() {
	if s != nil {
		s.open = false
	}
}

// HandleKey 处理键盘事件，返回对应动作。
func (s *State) HandleKey(key string) (Action, bool) {
	if s == nil || !s.open {
		return Action{}, false
	}
	switch key {
	case "up", "ctrl+p":
		if len(s.matches) == 0 {
			return Action{Kind: ActionClose}, true
		}
		s.selected = (s.selected - 1 + len(s.matches)) % len(s.matches)
		return Action{Kind: ActionNone}, true
	case "down", "ctrl+n":
		if len(s.matches) == 0 {
			return Action{Kind: ActionClose}, true
		}
		s.selected = (s.selected + 1) % len(s.matches)
		return Action{Kind: ActionNone}, true
	case "esc":
		s.open = false
		return Action{Kind: ActionClose}, true
	case "tab", "enter":
		if len(s.matches) == 0 {
			return Action{Kind: ActionError, Message: "unknown command, type / to list"}, true
		}
		item := s.matches[s.selected].item
		// 需要参数的命令先补全，等用户输入
		if key == "tab" || strings.HasPrefix(item.Args, "<") {
			s.open = false
			return Action{Kind: ActionInsert, Command: item.Command, NewValue: "/" + item.Token() + " "}, true
		}
		s.open = false
		return Action{Kind: ActionSubmit, Command: item.Command, Args: s.args}, true
	default:
		return Action{}, false
	}
}

// ResolveSubmit 按 Enter 行为解析当前输入，不依赖弹窗是否打开。
func (s *State) ResolveSubmit(value string) Action {
	cmd, args, ok := Parse(value)
	if !ok {
		return Action{Kind: ActionError, Message: "unknown command, type / to list"}
	}
	return Action{Kind: ActionSubmit, Command: cmd, Args: args}
}

func filterMatches(items []Item, query string) []match {
	trimmed := strings.ToLower(strings.TrimSpace(query))
	if trimmed == "" {
		out := make([]match, 0, len(items))
		for _, item := range items {
			out = append(out, match{item: item})
		}
		return out
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Token()
	}
	results := fuzzy.Find(trimmed, keys)
	out := make([]match, 0, len(results))
	for _, res := range results {
		out = append(out, match{
			item: items[res.Index],
			// DisplayName 带前导 /，下标整体后移一位
			highlights: shift(res.MatchedIndexes, 1),
			score:      res.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].item.Token() < out[j].item.Token()
		}
		return out[i].score > out[j].score
	})
	return out
}

func shift(indexes []int, by int) []int {
	out := make([]int, len(indexes))
	for i, idx := range indexes {
		out[i] = idx + by
	}
	return out
}
