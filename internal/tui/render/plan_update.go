package render

import (
	"fmt"
	"strings"

	"echo-transcript/internal/history"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// RenderPlanUpdate renders the latest plan snapshot as a checklist.
func RenderPlanUpdate(plan history.PlanUpdate, ctx Context) []Line {
	ctx = ctx.normalized()
	header := Line{Spans: []Span{
		{Text: "• ", Style: ctx.Theme.Dim},
		{Text: "Updated Plan", Style: ctx.Theme.Text.Bold(true)},
	}}
	if plan.Total > 0 {
		header.Spans = append(header.Spans, Span{Text: fmt.Sprintf(" (%d/%d)", plan.Completed, plan.Total), Style: ctx.Theme.Dim})
	}
	lines := wrapLine(header, ctx.Width, false)

	indented := []Line{}

	// Optional plan name.
	if note := strings.TrimSpace(plan.Name); note != "" {
		for _, s := range wrapText(note, max(ctx.Width-4, 1)) {
			indented = append(indented, textLine(s, ctx.Theme.Dim.Italic(true)))
		}
	}

	if len(plan.Steps) == 0 {
		indented = append(indented, textLine("(no steps provided)", ctx.Theme.Dim.Italic(true)))
	} else {
		for _, step := range plan.Steps {
			indented = append(indented, renderPlanStep(step, ctx)...)
		}
	}

	// "  └ " on the first line, "    " after.
	return append(lines, branch(indented, ctx)...)
}

func renderPlanStep(step history.PlanStep, ctx Context) []Line {
	boxStr := "□ "
	stepStyle := ctx.Theme.Dim
	switch step.Status {
	case history.StepCompleted:
		boxStr = "✔ "
		stepStyle = ctx.Theme.PlanDone
	case history.StepInProgress:
		stepStyle = ctx.Theme.PlanActive
	}

	// 4 列外层缩进，再减去复选框宽度。
	wrapWidth := max(ctx.Width-4-runewidth.StringWidth(boxStr), 1)
	parts := wrapText(strings.TrimSpace(step.Description), wrapWidth)
	stepLines := make([]Line, 0, len(parts))
	for _, p := range parts {
		stepLines = append(stepLines, textLine(p, stepStyle))
	}
	return PrefixLines(
		stepLines,
		Span{Text: boxStr, Style: lipgloss.Style{}},
		Span{Text: "  ", Style: lipgloss.Style{}},
	)
}
