package render

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"echo-transcript/internal/history"

	"github.com/charmbracelet/x/ansi"
)

const (
	execTailLines      = 5
	execErrorTailLines = 12
)

// commandText 把 argv 还原成可读命令；bash -lc 'script' 只展示 script。
func commandText(argv []string) string {
	if len(argv) == 3 {
		switch filepath.Base(argv[0]) {
		case "bash", "sh", "zsh":
			if argv[1] == "-lc" || argv[1] == "-c" {
				return argv[2]
			}
		}
	}
	return shellJoin(argv)
}

func execGlyph(status history.ExecStatus, ctx Context) Span {
	switch status {
	case history.ExecSuccess:
		return Span{Text: "✔ ", Style: ctx.Theme.Success}
	case history.ExecError:
		return Span{Text: "✖ ", Style: ctx.Theme.Error}
	default:
		return Span{Text: "• ", Style: ctx.Theme.Primary}
	}
}

func execDuration(ex history.Exec) (time.Duration, bool) {
	if ex.CompletedAt == nil || ex.StartedAt.IsZero() {
		return 0, false
	}
	d := ex.CompletedAt.Sub(ex.StartedAt)
	return d, d >= 0
}

// sanitizeOutput strips escape sequences and keeps only the last carriage-return
// segment of each line, which is what a terminal would show.
func sanitizeOutput(s string) []string {
	s = ansi.Strip(s)
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		l = strings.TrimRight(l, "\r")
		if j := strings.LastIndexByte(l, '\r'); j >= 0 {
			l = l[j+1:]
		}
		lines[i] = strings.ReplaceAll(l, "\t", "    ")
	}
	return lines
}

func renderExec(ex history.Exec, ctx Context) []Line {
	verb := "Ran "
	if ex.Status == history.ExecRunning {
		verb = "Running "
	}
	prefix := execGlyph(ex.Status, ctx)
	verbSpan := Span{Text: verb, Style: ctx.Theme.Text.Bold(true)}
	inner := innerWidth(ctx.Width, prefix.Text+verb)

	cmd := HighlightBashToLines(commandText(ex.Command), ctx.Theme)
	if d, ok := execDuration(ex); ok {
		last := &cmd[len(cmd)-1]
		last.Spans = append(last.Spans, Span{Text: " (" + formatDuration(d) + ")", Style: ctx.Theme.Dim})
	}
	cmd = wrapLines(cmd, inner, false)
	lines := gutter(gutter(cmd, verb, verbSpan.Style), prefix.Text, prefix.Style)

	return append(lines, branch(execDetails(ex, ctx), ctx)...)
}

func execDetails(ex history.Exec, ctx Context) []Line {
	inner := innerWidth(ctx.Width, "  └ ")
	var details []Line
	if ex.WorkingDir != "" {
		details = append(details, wrapLine(textLine("in "+ex.WorkingDir, ctx.Theme.Dim), inner, true)...)
	}
	for _, p := range ex.Parsed {
		if p.Action == history.ActionRun || p.Action == "" {
			continue
		}
		target := strings.TrimSpace(p.Query + " " + p.Path)
		if target == "" {
			target = p.Name
		}
		details = append(details, wrapLine(Line{Spans: []Span{
			{Text: actionLabel(p.Action) + " ", Style: ctx.Theme.Info},
			{Text: target},
		}}, inner, false)...)
	}

	limit := execTailLines
	if ex.Status == history.ExecError {
		limit = execErrorTailLines
	}
	details = append(details, outputTail(ex, limit, inner, ctx)...)

	for _, n := range ex.WaitNotes {
		details = append(details, wrapLine(Line{Spans: []Span{
			{Text: "⏱ ", Style: ctx.Theme.Dim},
			{Text: n.Message, Style: ctx.Theme.Tone(n.Tone)},
		}}, inner, false)...)
	}
	if ex.WaitActive || ex.WaitTotalMs > 0 {
		label := "waited " + formatDuration(time.Duration(ex.WaitTotalMs)*time.Millisecond)
		if ex.WaitActive {
			label = "waiting · " + formatDuration(time.Duration(ex.WaitTotalMs)*time.Millisecond)
		}
		details = append(details, textLine(truncateText(label, inner), ctx.Theme.Dim))
	}
	if ex.ExitCode != nil && *ex.ExitCode != 0 {
		details = append(details, textLine(fmt.Sprintf("exit code %d", *ex.ExitCode), ctx.Theme.Error))
	}
	return details
}

// outputTail shows the last n output rows, stdout before stderr.
func outputTail(ex history.Exec, n, width int, ctx Context) []Line {
	type row struct {
		text string
		err  bool
	}
	var rows []row
	for _, l := range sanitizeOutput(history.JoinChunks(ex.Stdout)) {
		rows = append(rows, row{text: l})
	}
	for _, l := range sanitizeOutput(history.JoinChunks(ex.Stderr)) {
		rows = append(rows, row{text: l, err: true})
	}
	var out []Line
	if hidden := len(rows) - n; hidden > 0 {
		out = append(out, textLine(fmt.Sprintf("… +%d lines", hidden), ctx.Theme.Dim))
		rows = rows[hidden:]
	}
	for _, r := range rows {
		style := ctx.Theme.Dim
		if r.err {
			style = ctx.Theme.Error
		}
		out = append(out, wrapLine(textLine(r.text, style), width, true)...)
	}
	return out
}

// RenderMerged renders a run of grouped execs as one cell.
func RenderMerged(m history.MergedExec, ctx Context) (lines []Line) {
	ctx = ctx.normalized()
	defer func() {
		if r := recover(); r != nil {
			fallbackTotal.Inc()
			log.Errorf("merged exec renderer panic, using raw text: %v", r)
			lines = nil
			for _, ex := range m.Execs {
				lines = append(lines, FallbackLines(ex, ctx)...)
			}
		}
	}()

	status := history.ExecSuccess
	for _, ex := range m.Execs {
		switch ex.Status {
		case history.ExecRunning:
			status = history.ExecRunning
		case history.ExecError:
			if status != history.ExecRunning {
				status = history.ExecError
			}
		}
	}
	verb := "Ran"
	if status == history.ExecRunning {
		verb = "Running"
	}
	head := Line{Spans: []Span{
		execGlyph(status, ctx),
		{Text: fmt.Sprintf("%s %d commands", verb, len(m.Execs)), Style: ctx.Theme.Text.Bold(true)},
	}}
	lines = wrapLine(head, ctx.Width, false)

	inner := innerWidth(ctx.Width, "  └ ")
	var details []Line
	for _, ex := range m.Execs {
		glyph := execGlyph(ex.Status, ctx)
		cmd := strings.ReplaceAll(commandText(ex.Command), "\n", " ")
		details = append(details, Line{Spans: []Span{
			glyph,
			{Text: truncateText(cmd, max(inner-2, 1))},
		}})
		if ex.Status == history.ExecError {
			details = append(details, indentLines(outputTail(ex, 3, max(inner-2, 1), ctx), "  ")...)
		}
	}
	return append(lines, branch(details, ctx)...)
}
