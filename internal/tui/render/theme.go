package render

import (
	"sort"
	"strings"

	"echo-transcript/internal/history"

	"github.com/charmbracelet/lipgloss"
)

// Theme 是渲染器使用的全部样式。换主题后缓存需要 BumpGeneration。
type Theme struct {
	Name string

	Text    lipgloss.Style
	Dim     lipgloss.Style
	Primary lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style

	UserPrefix      lipgloss.Style
	AssistantPrefix lipgloss.Style
	Heading         lipgloss.Style
	Code            lipgloss.Style
	Quote           lipgloss.Style
	Link            lipgloss.Style
	DiffAdd         lipgloss.Style
	DiffRemove      lipgloss.Style
	DiffHunk        lipgloss.Style
	PlanDone        lipgloss.Style
	PlanActive      lipgloss.Style
}

// Tone 把语义色调映射为样式。
func (t *Theme) Tone(tone history.Tone) lipgloss.Style {
	switch tone {
	case history.ToneDim:
		return t.Dim
	case history.TonePrimary:
		return t.Primary
	case history.ToneSuccess:
		return t.Success
	case history.ToneWarning:
		return t.Warning
	case history.ToneError:
		return t.Error
	case history.ToneInfo:
		return t.Info
	default:
		return t.Text
	}
}

func newTheme(name string, accent, green, red, yellow, cyan, muted lipgloss.TerminalColor) *Theme {
	base := lipgloss.NewStyle()
	return &Theme{
		Name:            name,
		Text:            base,
		Dim:             base.Foreground(muted),
		Primary:         base.Foreground(accent),
		Success:         base.Foreground(green),
		Warning:         base.Foreground(yellow),
		Error:           base.Foreground(red),
		Info:            base.Foreground(cyan),
		UserPrefix:      base.Foreground(muted).Bold(true),
		AssistantPrefix: base.Foreground(accent),
		Heading:         base.Foreground(accent).Bold(true),
		Code:            base.Foreground(cyan),
		Quote:           base.Foreground(muted).Italic(true),
		Link:            base.Foreground(cyan).Underline(true),
		DiffAdd:         base.Foreground(green),
		DiffRemove:      base.Foreground(red),
		DiffHunk:        base.Foreground(accent).Faint(true),
		PlanDone:        base.Foreground(muted).Strikethrough(true),
		PlanActive:      base.Foreground(cyan).Bold(true),
	}
}

var themes = map[string]func() *Theme{
	"dark": func() *Theme {
		return newTheme("dark",
			lipgloss.Color("#7D56F4"),
			lipgloss.Color("#16a34a"),
			lipgloss.Color("#dc2626"),
			lipgloss.Color("#d97706"),
			lipgloss.Color("#2DD4BF"),
			lipgloss.Color("#7D7A85"))
	},
	"light": func() *Theme {
		return newTheme("light",
			lipgloss.Color("#5B21B6"),
			lipgloss.Color("#15803d"),
			lipgloss.Color("#b91c1c"),
			lipgloss.Color("#b45309"),
			lipgloss.Color("#0e7490"),
			lipgloss.Color("#6b7280"))
	},
	"plain": func() *Theme {
		none := lipgloss.NoColor{}
		t := newTheme("plain", none, none, none, none, none, none)
		t.Dim = lipgloss.NewStyle().Faint(true)
		return t
	},
}

// ThemeByName 返回命名主题；未知名称回退到 dark。
func ThemeByName(name string) (*Theme, bool) {
	if build, ok := themes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return build(), true
	}
	return themes["dark"](), false
}

// ThemeNames 列出可用主题，按名称排序。
func ThemeNames() []string {
	out := make([]string, 0, len(themes))
	for name := range themes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
