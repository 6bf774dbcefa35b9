package history

import (
	"fmt"
	"sort"
	"strings"
)

// PlainText derives the raw semantic text of a record, one entry per line.
// It never fails and is the last-resort rendering of a malformed record.
func PlainText(rec Record) []string {
	switch r := rec.(type) {
	case nil:
		return []string{"<empty record>"}
	case PlainMessage:
		out := headerLine(string(r.Role), r.Header)
		return append(out, linesText(r.Lines)...)
	case WaitStatus:
		out := []string{r.Title}
		if r.Summary != "" {
			out = append(out, r.Summary)
		}
		for _, d := range r.Details {
			out = append(out, strings.TrimSpace(d.Label+" "+d.Value))
		}
		return out
	case Loading:
		return []string{r.Message}
	case RunningTool:
		return append([]string{"running " + r.Title}, argsText(r.Arguments)...)
	case ToolCall:
		out := append([]string{fmt.Sprintf("%s %s", r.Status, r.Title)}, argsText(r.Arguments)...)
		if r.ResultPreview != nil {
			out = append(out, r.ResultPreview.Lines...)
		}
		if r.Error != "" {
			out = append(out, r.Error)
		}
		return out
	case PlanUpdate:
		out := []string{fmt.Sprintf("plan %d/%d", r.Completed, r.Total)}
		for _, step := range r.Steps {
			out = append(out, fmt.Sprintf("[%s] %s", step.Status, step.Description))
		}
		return out
	case UpgradeNotice:
		return []string{fmt.Sprintf("%s -> %s", r.CurrentVersion, r.LatestVersion), r.Message}
	case Reasoning:
		var out []string
		for _, sec := range r.Sections {
			if sec.Heading != "" {
				out = append(out, sec.Heading)
			}
			if len(sec.Summary) > 0 {
				out = append(out, SpansText(sec.Summary))
			}
			for _, b := range sec.Blocks {
				out = append(out, b.Marker+SpansText(b.Spans))
			}
		}
		return out
	case Exec:
		out := []string{"$ " + strings.Join(r.Command, " ")}
		out = append(out, splitLines(JoinChunks(r.Stdout))...)
		out = append(out, splitLines(JoinChunks(r.Stderr))...)
		if r.ExitCode != nil {
			out = append(out, fmt.Sprintf("exit %d", *r.ExitCode))
		}
		return out
	case AssistantStream:
		return splitLines(r.Preview)
	case AssistantMessage:
		return splitLines(r.Markdown)
	case Diff:
		return DiffText(r)
	case Patch:
		paths := make([]string, 0, len(r.Changes))
		for p := range r.Changes {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out := []string{"patch " + string(r.Event)}
		for _, p := range paths {
			out = append(out, fmt.Sprintf("%s %s", r.Changes[p].Kind, p))
		}
		if r.Failure != nil {
			out = append(out, r.Failure.Message)
		}
		return out
	case Image:
		return []string{fmt.Sprintf("image %s %dx%d %s", r.SourcePath, r.Width, r.Height, r.AltText)}
	case Explore:
		out := []string{r.Title}
		for _, e := range r.Entries {
			out = append(out, fmt.Sprintf("%s %s", e.Action, e.Summary))
		}
		return out
	case RateLimits:
		var out []string
		if r.Primary != nil {
			out = append(out, fmt.Sprintf("primary %.0f%%", r.Primary.UsedPercent))
		}
		if r.Secondary != nil {
			out = append(out, fmt.Sprintf("secondary %.0f%%", r.Secondary.UsedPercent))
		}
		for _, l := range r.Legend {
			out = append(out, l.Label+": "+l.Value)
		}
		return out
	case BackgroundEvent:
		return []string{r.Title, r.Description}
	case Notice:
		return append(headerLine("", r.Title), linesText(r.Body)...)
	case Unknown:
		return []string{fmt.Sprintf("[%s] %s", r.Type, string(r.Payload))}
	default:
		return []string{fmt.Sprintf("<%T>", rec)}
	}
}

// SpansText concatenates the text of spans.
func SpansText(spans []InlineSpan) string {
	var b strings.Builder
	for _, sp := range spans {
		b.WriteString(sp.Text)
	}
	return b.String()
}

func headerLine(role, header string) []string {
	switch {
	case role != "" && header != "":
		return []string{role + ": " + header}
	case header != "":
		return []string{header}
	case role != "":
		return []string{role + ":"}
	}
	return nil
}

func linesText(lines []MessageLine) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, strings.Repeat("  ", l.Indent)+l.Marker+SpansText(l.Spans))
	}
	return out
}

func argsText(args []ToolArgument) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		val := a.Text
		switch {
		case a.Secret:
			val = "***"
		case len(a.JSON) > 0:
			val = string(a.JSON)
		}
		out = append(out, a.Name+": "+val)
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
