package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"echo-transcript/internal/history"
)

const (
	maxToolBlockLines = 60
	maxArgWidth       = 200
	secretMask        = "••••••"
)

func toolStatusGlyph(status history.ToolStatus, ctx Context) Span {
	switch status {
	case history.ToolSuccess:
		return Span{Text: "✔ ", Style: ctx.Theme.Success}
	case history.ToolFailed:
		return Span{Text: "✖ ", Style: ctx.Theme.Error}
	default:
		return Span{Text: "• ", Style: ctx.Theme.Primary}
	}
}

// argumentValue 返回参数的单行展示；Secret 一律打码。
func argumentValue(a history.ToolArgument) string {
	if a.Secret {
		return secretMask
	}
	if len(a.JSON) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, a.JSON); err == nil {
			return truncateText(buf.String(), maxArgWidth)
		}
		return truncateText(string(a.JSON), maxArgWidth)
	}
	return truncateText(strings.ReplaceAll(a.Text, "\n", " "), maxArgWidth)
}

func argumentLines(args []history.ToolArgument, width int, ctx Context) []Line {
	var out []Line
	for _, a := range args {
		line := Line{Spans: []Span{
			{Text: a.Name + ": ", Style: ctx.Theme.Dim},
			{Text: argumentValue(a), Style: ctx.Theme.Text},
		}}
		out = append(out, wrapLine(line, width, false)...)
	}
	return out
}

func renderRunningTool(t history.RunningTool, ctx Context) []Line {
	head := Line{Spans: []Span{
		toolStatusGlyph(history.ToolRunning, ctx),
		{Text: "Calling ", Style: ctx.Theme.Text.Bold(true)},
		{Text: t.Title, Style: ctx.Theme.Info},
	}}
	if t.WaitCapMs > 0 {
		head.Spans = append(head.Spans, Span{Text: " (waits up to " + formatDuration(time.Duration(t.WaitCapMs)*time.Millisecond) + ")", Style: ctx.Theme.Dim})
	}
	lines := wrapLine(head, ctx.Width, false)
	return append(lines, branch(argumentLines(t.Arguments, innerWidth(ctx.Width, "  └ "), ctx), ctx)...)
}

func renderToolCall(t history.ToolCall, ctx Context) []Line {
	verb := "Called "
	if t.Status == history.ToolRunning {
		verb = "Calling "
	}
	head := Line{Spans: []Span{
		toolStatusGlyph(t.Status, ctx),
		{Text: verb, Style: ctx.Theme.Text.Bold(true)},
		{Text: t.Title, Style: ctx.Theme.Info},
	}}
	if t.DurationMs > 0 {
		head.Spans = append(head.Spans, Span{Text: " (" + formatDuration(time.Duration(t.DurationMs)*time.Millisecond) + ")", Style: ctx.Theme.Dim})
	}
	lines := wrapLine(head, ctx.Width, false)

	inner := innerWidth(ctx.Width, "  └ ")
	details := argumentLines(t.Arguments, inner, ctx)
	if p := t.ResultPreview; p != nil {
		preview := p.Lines
		truncated := p.Truncated
		if len(preview) > maxToolBlockLines {
			preview = preview[:maxToolBlockLines]
			truncated = true
		}
		for _, l := range preview {
			details = append(details, wrapLine(textLine(strings.TrimRight(l, "\r"), ctx.Theme.Dim), inner, true)...)
		}
		if truncated {
			details = append(details, textLine("… (truncated)", ctx.Theme.Dim))
		}
	}
	if e := strings.TrimSpace(t.Error); e != "" {
		details = append(details, wrapLine(textLine("error: "+e, ctx.Theme.Error), inner, false)...)
	}
	return append(lines, branch(details, ctx)...)
}

// diffBody renders hunks with per-kind colors; long diffs keep the first
// maxToolBlockLines rows.
func diffBody(hunks []history.DiffHunk, width int, ctx Context) []Line {
	var out []Line
	rows := 0
	for _, h := range hunks {
		if rows >= maxToolBlockLines {
			break
		}
		if h.Header != "" {
			out = append(out, wrapLine(textLine(h.Header, ctx.Theme.DiffHunk), width, true)...)
			rows++
		}
		for _, l := range h.Lines {
			if rows >= maxToolBlockLines {
				break
			}
			var line Line
			switch l.Kind {
			case history.DiffAdd:
				line = textLine("+"+l.Content, ctx.Theme.DiffAdd)
			case history.DiffRemove:
				line = textLine("-"+l.Content, ctx.Theme.DiffRemove)
			case history.DiffHeader:
				line = textLine(l.Content, ctx.Theme.DiffHunk)
			default:
				line = textLine(" "+l.Content, ctx.Theme.Text)
			}
			out = append(out, wrapLine(line, width, true)...)
			rows++
		}
	}
	if total := diffRows(hunks); total > rows {
		out = append(out, textLine(fmt.Sprintf("… +%d lines", total-rows), ctx.Theme.Dim))
	}
	return out
}

func diffRows(hunks []history.DiffHunk) int {
	n := 0
	for _, h := range hunks {
		if h.Header != "" {
			n++
		}
		n += len(h.Lines)
	}
	return n
}

func statSpans(added, removed int, ctx Context) []Span {
	return []Span{
		{Text: " (", Style: ctx.Theme.Dim},
		{Text: fmt.Sprintf("+%d", added), Style: ctx.Theme.DiffAdd},
		{Text: " ", Style: ctx.Theme.Dim},
		{Text: fmt.Sprintf("-%d", removed), Style: ctx.Theme.DiffRemove},
		{Text: ")", Style: ctx.Theme.Dim},
	}
}

func renderDiff(d history.Diff, ctx Context) []Line {
	added, removed := history.DiffStats(d)
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = "Diff"
	}
	head := Line{Spans: append([]Span{
		{Text: "• ", Style: ctx.Theme.Dim},
		{Text: title, Style: ctx.Theme.Text.Bold(true)},
	}, statSpans(added, removed, ctx)...)}
	lines := wrapLine(head, ctx.Width, false)
	return append(lines, indentLines(diffBody(d.Hunks, innerWidth(ctx.Width, "    "), ctx), "    ")...)
}

func patchHeader(p history.Patch, ctx Context) Line {
	glyph, title, style := "• ", "Proposed Change", ctx.Theme.Primary
	switch p.Event {
	case history.PatchApprovalRequest:
		glyph, title, style = "? ", "Approve Change", ctx.Theme.Warning
	case history.PatchApplyBegin:
		title = "Applying Change"
	case history.PatchApplySuccess:
		glyph, title, style = "✔ ", "Applied Change", ctx.Theme.Success
	case history.PatchApplyFailure:
		glyph, title, style = "✖ ", "Change Failed", ctx.Theme.Error
	}
	line := Line{Spans: []Span{{Text: glyph, Style: style}, {Text: title, Style: ctx.Theme.Text.Bold(true)}}}
	if p.AutoApproved {
		line.Spans = append(line.Spans, Span{Text: " (auto-approved)", Style: ctx.Theme.Dim})
	}
	return line
}

func renderPatch(p history.Patch, ctx Context) []Line {
	lines := wrapLine(patchHeader(p, ctx), ctx.Width, false)
	inner := innerWidth(ctx.Width, "  └ ")
	var details []Line
	for _, path := range sortedKeys(p.Changes) {
		ch := p.Changes[path]
		marker, style := "M ", ctx.Theme.Warning
		switch ch.Kind {
		case history.ChangeAdd:
			marker, style = "A ", ctx.Theme.DiffAdd
		case history.ChangeDelete:
			marker, style = "D ", ctx.Theme.DiffRemove
		}
		line := Line{Spans: []Span{{Text: marker, Style: style}, {Text: path}}}
		if ch.MovePath != "" {
			line.Spans = append(line.Spans, Span{Text: " → " + ch.MovePath, Style: ctx.Theme.Dim})
		}
		var hunks []history.DiffHunk
		switch {
		case ch.UnifiedDiff != "":
			d := history.ParseUnifiedDiff(path, ch.UnifiedDiff)
			hunks = d.Hunks
			added, removed := history.DiffStats(d)
			line.Spans = append(line.Spans, statSpans(added, removed, ctx)...)
		case ch.Kind == history.ChangeAdd && ch.Content != "":
			n := strings.Count(strings.TrimRight(ch.Content, "\n"), "\n") + 1
			line.Spans = append(line.Spans, statSpans(n, 0, ctx)...)
		}
		details = append(details, wrapLine(line, inner, false)...)
		if len(hunks) > 0 {
			details = append(details, indentLines(diffBody(hunks, max(inner-2, 1), ctx), "  ")...)
		}
	}
	if f := p.Failure; f != nil {
		details = append(details, wrapLine(textLine(f.Message, ctx.Theme.Error), inner, false)...)
		for _, out := range []string{f.Stdout, f.Stderr} {
			for _, l := range tailLines(out, 10) {
				details = append(details, wrapLine(textLine(l, ctx.Theme.Dim), inner, true)...)
			}
		}
	}
	if len(details) == 0 {
		details = []Line{textLine("(no files)", ctx.Theme.Dim.Italic(true))}
	}
	return append(lines, branch(details, ctx)...)
}

func tailLines(text string, n int) []string {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
