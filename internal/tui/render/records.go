package render

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/markdown"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Context carries everything a renderer may depend on. Anything that changes
// output must also be part of CacheKey.
type Context struct {
	Width            int
	Theme            *Theme
	ReasoningVisible bool
}

func (ctx Context) normalized() Context {
	if ctx.Width <= 0 {
		ctx.Width = 80
	}
	if ctx.Theme == nil {
		ctx.Theme, _ = ThemeByName("dark")
	}
	return ctx
}

// RenderRecord renders one record to lines no wider than ctx.Width. A panic in
// a variant renderer is recovered and the record is shown as raw text.
func RenderRecord(rec history.Record, ctx Context) (lines []Line) {
	if rec == nil {
		return nil
	}
	ctx = ctx.normalized()
	defer func() {
		if r := recover(); r != nil {
			fallbackTotal.Inc()
			log.WithField("kind", string(rec.Kind())).Errorf("renderer panic, using raw text: %v", r)
			lines = FallbackLines(rec, ctx)
		}
	}()
	return renderVariant(rec, ctx)
}

// renderVariant is swapped out in tests.
var renderVariant = renderKnown

func renderKnown(rec history.Record, ctx Context) []Line {
	switch r := rec.(type) {
	case history.PlainMessage:
		return renderPlainMessage(r, ctx)
	case history.WaitStatus:
		return renderWaitStatus(r, ctx)
	case history.Loading:
		return renderLoading(r, ctx)
	case history.RunningTool:
		return renderRunningTool(r, ctx)
	case history.ToolCall:
		return renderToolCall(r, ctx)
	case history.PlanUpdate:
		return RenderPlanUpdate(r, ctx)
	case history.UpgradeNotice:
		return renderUpgradeNotice(r, ctx)
	case history.Reasoning:
		return renderReasoning(r, ctx)
	case history.Exec:
		return renderExec(r, ctx)
	case history.AssistantStream:
		return renderAssistantStream(r, ctx)
	case history.AssistantMessage:
		return renderAssistantMessage(r, ctx)
	case history.Diff:
		return renderDiff(r, ctx)
	case history.Patch:
		return renderPatch(r, ctx)
	case history.Image:
		return renderImage(r, ctx)
	case history.Explore:
		return renderExplore(r, ctx)
	case history.RateLimits:
		return renderRateLimits(r, ctx)
	case history.BackgroundEvent:
		return renderBackgroundEvent(r, ctx)
	case history.Notice:
		return renderNotice(r, ctx)
	default:
		// Unknown and anything newer than this renderer.
		return FallbackLines(rec, ctx)
	}
}

// FallbackLines shows the record's raw semantic text.
func FallbackLines(rec history.Record, ctx Context) []Line {
	if rec == nil {
		return nil
	}
	ctx = ctx.normalized()
	var out []Line
	for _, s := range history.PlainText(rec) {
		for _, w := range wrapText(s, ctx.Width) {
			out = append(out, textLine(w, ctx.Theme.Text))
		}
	}
	if len(out) == 0 {
		out = append(out, textLine(truncateText("["+string(rec.Kind())+"]", ctx.Width), ctx.Theme.Dim))
	}
	return out
}

// gutter prefixes already-wrapped body lines with prefix on the first line and
// matching blanks after. Empty lines stay empty.
func gutter(body []Line, prefix string, style lipgloss.Style) []Line {
	if len(body) == 0 {
		body = []Line{{}}
	}
	pad := strings.Repeat(" ", runewidth.StringWidth(prefix))
	out := make([]Line, 0, len(body))
	for i, l := range body {
		switch {
		case i == 0:
			l.Spans = append([]Span{{Text: prefix, Style: style}}, l.Spans...)
		case len(l.Spans) > 0:
			l.Spans = append([]Span{{Text: pad}}, l.Spans...)
		}
		out = append(out, l)
	}
	return out
}

func innerWidth(width int, prefix string) int {
	return max(width-runewidth.StringWidth(prefix), 1)
}

// branch renders "  └ " detail blocks under a header.
func branch(body []Line, ctx Context) []Line {
	if len(body) == 0 {
		return nil
	}
	return PrefixLines(body, Span{Text: "  └ ", Style: ctx.Theme.Dim}, Span{Text: "    "})
}

func (ctx Context) spanStyle(sp history.InlineSpan) lipgloss.Style {
	st := ctx.Theme.Tone(sp.Tone)
	if sp.Code {
		st = ctx.Theme.Code
	}
	if sp.Href != "" {
		st = ctx.Theme.Link
	}
	if sp.Bold {
		st = st.Bold(true)
	}
	if sp.Italic {
		st = st.Italic(true)
	}
	return st
}

func (ctx Context) spans(in []history.InlineSpan) []Span {
	out := make([]Span, 0, len(in))
	for _, sp := range in {
		out = append(out, Span{Text: sp.Text, Style: ctx.spanStyle(sp)})
	}
	return out
}

func restyle(line Line, style lipgloss.Style) Line {
	spans := make([]Span, len(line.Spans))
	for i, sp := range line.Spans {
		spans[i] = Span{Text: sp.Text, Style: style}
	}
	return Line{Spans: spans, Style: line.Style}
}

// messageLines lays out structured body lines within width.
func messageLines(lines []history.MessageLine, width int, ctx Context) []Line {
	var out []Line
	for _, ml := range lines {
		indent := strings.Repeat("  ", ml.Indent)
		w := max(width-len(indent), 1)
		body := Line{Spans: ctx.spans(ml.Spans)}
		var block []Line
		switch ml.Kind {
		case history.LineBlank:
			out = append(out, Line{})
			continue
		case history.LineSeparator:
			out = append(out, Line{Spans: []Span{{Text: indent}, {Text: strings.Repeat("─", w), Style: ctx.Theme.Dim}}})
			continue
		case history.LineHeading:
			block = wrapLine(restyle(body, ctx.Theme.Heading), w, false)
		case history.LineBullet:
			marker := ml.Marker
			switch marker {
			case "", "-", "*", "+":
				marker = "•"
			}
			block = prefixed([]Line{body}, w, marker+" ", ctx.Theme.Dim, false)
		case history.LineCode:
			block = wrapLine(body, w, true)
		case history.LineQuote:
			block = prefixed([]Line{restyle(body, ctx.Theme.Quote)}, w, "▌ ", ctx.Theme.Dim, false)
		default:
			block = wrapLine(body, w, false)
		}
		out = append(out, indentLines(block, indent)...)
	}
	return out
}

func rolePrefix(role history.Role, theme *Theme) (string, lipgloss.Style) {
	switch role {
	case history.RoleUser:
		return "› ", theme.UserPrefix
	case history.RoleAssistant:
		return "• ", theme.AssistantPrefix
	case history.RoleSystem:
		return "⚙ ", theme.Dim
	case history.RoleError:
		return "✖ ", theme.Error
	case history.RoleBackground:
		return "• ", theme.Dim
	default:
		return "  ", theme.Dim
	}
}

func renderPlainMessage(m history.PlainMessage, ctx Context) []Line {
	prefix, style := rolePrefix(m.Role, ctx.Theme)
	inner := innerWidth(ctx.Width, prefix)
	var body []Line
	if h := strings.TrimSpace(m.Header); h != "" {
		body = append(body, wrapLine(textLine(h, ctx.Theme.Text.Bold(true)), inner, false)...)
	}
	bodyLines := messageLines(m.Lines, inner, ctx)
	if m.Role == history.RoleError {
		for i := range bodyLines {
			bodyLines[i] = restyle(bodyLines[i], ctx.Theme.Error)
		}
	}
	body = append(body, bodyLines...)
	return gutter(body, prefix, style)
}

func renderWaitStatus(w history.WaitStatus, ctx Context) []Line {
	prefix := "⏳ "
	inner := innerWidth(ctx.Width, prefix)
	body := wrapLine(textLine(w.Title, ctx.Theme.Warning.Bold(true)), inner, false)
	if s := strings.TrimSpace(w.Summary); s != "" {
		body = append(body, wrapLine(textLine(s, ctx.Theme.Dim), inner, false)...)
	}
	lines := gutter(body, prefix, ctx.Theme.Warning)
	var details []Line
	for _, d := range w.Details {
		line := Line{Spans: []Span{{Text: d.Label, Style: ctx.Theme.Dim}}}
		if d.Value != "" {
			line.Spans = append(line.Spans, Span{Text: ": ", Style: ctx.Theme.Dim}, Span{Text: d.Value, Style: ctx.Theme.Tone(d.Tone)})
		}
		details = append(details, wrapLine(line, innerWidth(ctx.Width, "  └ "), false)...)
	}
	return append(lines, branch(details, ctx)...)
}

func renderLoading(l history.Loading, ctx Context) []Line {
	msg := strings.TrimSpace(l.Message)
	if msg == "" {
		msg = "Working"
	}
	return gutter(wrapLine(textLine(msg+"…", ctx.Theme.Dim), innerWidth(ctx.Width, "⠋ "), false), "⠋ ", ctx.Theme.Primary)
}

func renderUpgradeNotice(u history.UpgradeNotice, ctx Context) []Line {
	prefix := "⬆ "
	inner := innerWidth(ctx.Width, prefix)
	head := fmt.Sprintf("Update available: %s → %s", u.CurrentVersion, u.LatestVersion)
	body := wrapLine(textLine(head, ctx.Theme.Info.Bold(true)), inner, false)
	if m := strings.TrimSpace(u.Message); m != "" {
		body = append(body, wrapLine(textLine(m, ctx.Theme.Dim), inner, false)...)
	}
	return gutter(body, prefix, ctx.Theme.Info)
}

func reasoningMessageLines(blocks []history.ReasoningBlock) []history.MessageLine {
	out := make([]history.MessageLine, len(blocks))
	for i, b := range blocks {
		out[i] = history.MessageLine{Kind: b.Kind, Indent: b.Indent, Marker: b.Marker, Language: b.Language, Spans: b.Spans}
	}
	return out
}

// renderReasoning shows sections in full when reasoning is visible or the
// record is not collapsed; otherwise only headings and summaries.
func renderReasoning(r history.Reasoning, ctx Context) []Line {
	title := "Thinking"
	if r.InProgress {
		title += "…"
	}
	if e := strings.TrimSpace(r.Effort); e != "" {
		title += " (" + e + ")"
	}
	prefix := "• "
	inner := innerWidth(ctx.Width, prefix)
	body := []Line{textLine(truncateText(title, inner), ctx.Theme.Dim.Italic(true))}
	full := ctx.ReasoningVisible || !r.Collapsed
	hidden := 0
	for _, sec := range r.Sections {
		if h := strings.TrimSpace(sec.Heading); h != "" {
			body = append(body, wrapLine(textLine(h, ctx.Theme.Dim.Bold(true)), inner, false)...)
		}
		if full {
			for _, l := range messageLines(reasoningMessageLines(sec.Blocks), inner, ctx) {
				body = append(body, restyle(l, ctx.Theme.Dim))
			}
			continue
		}
		if len(sec.Summary) > 0 {
			body = append(body, wrapLine(restyle(Line{Spans: ctx.spans(sec.Summary)}, ctx.Theme.Dim), inner, false)...)
		}
		hidden += len(sec.Blocks)
	}
	if hidden > 0 {
		body = append(body, textLine(truncateText(fmt.Sprintf("… %d lines hidden", hidden), inner), ctx.Theme.Dim))
	}
	return gutter(body, prefix, ctx.Theme.Dim)
}

func renderAssistantStream(s history.AssistantStream, ctx Context) []Line {
	prefix := "• "
	inner := innerWidth(ctx.Width, prefix)
	body := messageLines(markdown.Lines(s.Preview), inner, ctx)
	if s.InProgress {
		cursor := Span{Text: "▌", Style: ctx.Theme.Primary}
		if n := len(body); n > 0 && body[n-1].Width()+1 <= inner {
			body[n-1].Spans = append(body[n-1].Spans, cursor)
		} else {
			body = append(body, Line{Spans: []Span{cursor}})
		}
	}
	return gutter(body, prefix, ctx.Theme.AssistantPrefix)
}

func renderAssistantMessage(m history.AssistantMessage, ctx Context) []Line {
	prefix := "• "
	inner := innerWidth(ctx.Width, prefix)
	body := messageLines(markdown.Lines(m.Markdown), inner, ctx)
	for i, c := range m.Citations {
		ref := fmt.Sprintf("[%d] %s", i+1, c)
		body = append(body, wrapLine(textLine(ref, ctx.Theme.Dim), inner, false)...)
	}
	if u := m.TokenUsage; u != nil {
		usage := fmt.Sprintf("tokens: %d in · %d out", u.InputTokens, u.OutputTokens)
		if u.ReasoningOutputTokens > 0 {
			usage += fmt.Sprintf(" · %d reasoning", u.ReasoningOutputTokens)
		}
		body = append(body, textLine(truncateText(usage, inner), ctx.Theme.Dim))
	}
	return gutter(body, prefix, ctx.Theme.AssistantPrefix)
}

func renderImage(img history.Image, ctx Context) []Line {
	prefix := "• "
	inner := innerWidth(ctx.Width, prefix)
	label := strings.TrimSpace(img.AltText)
	if label == "" {
		label = "image"
	}
	var meta []string
	if img.Width > 0 && img.Height > 0 {
		meta = append(meta, fmt.Sprintf("%dx%d", img.Width, img.Height))
	}
	if img.MimeType != "" {
		meta = append(meta, img.MimeType)
	}
	if img.ByteLen > 0 {
		meta = append(meta, humanBytes(img.ByteLen))
	}
	head := Line{Spans: []Span{{Text: "Image ", Style: ctx.Theme.Text.Bold(true)}, {Text: label, Style: ctx.Theme.Text}}}
	if len(meta) > 0 {
		head.Spans = append(head.Spans, Span{Text: " (" + strings.Join(meta, ", ") + ")", Style: ctx.Theme.Dim})
	}
	body := wrapLine(head, inner, false)
	if img.SourcePath != "" {
		body = append(body, wrapLine(textLine(img.SourcePath, ctx.Theme.Dim), inner, true)...)
	}
	return gutter(body, prefix, ctx.Theme.Dim)
}

func renderExplore(e history.Explore, ctx Context) []Line {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "Explored"
	}
	lines := gutter(wrapLine(textLine(title, ctx.Theme.Text.Bold(true)), innerWidth(ctx.Width, "• "), false), "• ", ctx.Theme.Dim)
	inner := innerWidth(ctx.Width, "  └ ")
	var details []Line
	for _, entry := range e.Entries {
		line := Line{Spans: []Span{{Text: actionLabel(entry.Action) + " ", Style: ctx.Theme.Info}}}
		summary := entry.Summary
		if summary == "" {
			summary = strings.TrimSpace(entry.Query + " " + entry.Path)
		}
		line.Spans = append(line.Spans, Span{Text: summary})
		switch entry.Status {
		case history.ExploreRunning:
			line.Spans = append(line.Spans, Span{Text: " …", Style: ctx.Theme.Dim})
		case history.ExploreNotFound:
			line.Spans = append(line.Spans, Span{Text: " (not found)", Style: ctx.Theme.Warning})
		case history.ExploreError:
			msg := " (failed)"
			if entry.ExitCode != nil {
				msg = fmt.Sprintf(" (exit %d)", *entry.ExitCode)
			}
			line.Spans = append(line.Spans, Span{Text: msg, Style: ctx.Theme.Error})
		}
		details = append(details, wrapLine(line, inner, false)...)
	}
	return append(lines, branch(details, ctx)...)
}

const rateBarWidth = 20

func renderRateLimits(r history.RateLimits, ctx Context) []Line {
	lines := []Line{textLine(truncateText("• Rate limits", ctx.Width), ctx.Theme.Text.Bold(true))}
	inner := innerWidth(ctx.Width, "  └ ")
	var details []Line
	window := func(label string, w *history.RateLimitWindow) {
		if w == nil {
			return
		}
		used := w.UsedPercent
		if math.IsNaN(used) {
			used = 0
		}
		used = min(max(used, 0), 100)
		filled := int(used / 100 * rateBarWidth)
		tone := ctx.Theme.Success
		switch {
		case used >= 90:
			tone = ctx.Theme.Error
		case used >= 70:
			tone = ctx.Theme.Warning
		}
		line := Line{Spans: []Span{
			{Text: fmt.Sprintf("%-9s ", label), Style: ctx.Theme.Dim},
			{Text: strings.Repeat("█", filled), Style: tone},
			{Text: strings.Repeat("░", rateBarWidth-filled), Style: ctx.Theme.Dim},
			{Text: fmt.Sprintf(" %.0f%%", used)},
		}}
		if w.WindowMinutes > 0 {
			line.Spans = append(line.Spans, Span{Text: " · " + formatDuration(time.Duration(w.WindowMinutes)*time.Minute) + " window", Style: ctx.Theme.Dim})
		}
		if w.ResetsInSeconds > 0 {
			line.Spans = append(line.Spans, Span{Text: " · resets in " + formatDuration(time.Duration(w.ResetsInSeconds)*time.Second), Style: ctx.Theme.Dim})
		}
		details = append(details, wrapLine(line, inner, false)...)
	}
	window("primary", r.Primary)
	window("secondary", r.Secondary)
	for _, l := range r.Legend {
		details = append(details, wrapLine(Line{Spans: []Span{{Text: l.Label + ": ", Style: ctx.Theme.Dim}, {Text: l.Value}}}, inner, false)...)
	}
	if len(details) == 0 {
		details = []Line{textLine("no data", ctx.Theme.Dim)}
	}
	return append(lines, branch(details, ctx)...)
}

func renderBackgroundEvent(b history.BackgroundEvent, ctx Context) []Line {
	inner := innerWidth(ctx.Width, "• ")
	body := wrapLine(textLine(b.Title, ctx.Theme.Dim), inner, false)
	if d := strings.TrimSpace(b.Description); d != "" {
		body = append(body, wrapLine(textLine(d, ctx.Theme.Dim.Italic(true)), inner, false)...)
	}
	return gutter(body, "• ", ctx.Theme.Dim)
}

func renderNotice(n history.Notice, ctx Context) []Line {
	inner := innerWidth(ctx.Width, "! ")
	var body []Line
	if t := strings.TrimSpace(n.Title); t != "" {
		body = append(body, wrapLine(textLine(t, ctx.Theme.Warning.Bold(true)), inner, false)...)
	}
	body = append(body, messageLines(n.Body, inner, ctx)...)
	return gutter(body, "! ", ctx.Theme.Warning)
}

func actionLabel(a history.ExecAction) string {
	switch a {
	case history.ActionRead:
		return "Read"
	case history.ActionSearch:
		return "Search"
	case history.ActionList:
		return "List"
	default:
		return "Run"
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
