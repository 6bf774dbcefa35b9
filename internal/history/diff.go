package history

import "strings"

// ParseUnifiedDiff converts unified diff text into a structured Diff. Lines
// before the first hunk header (file headers) become header lines of an
// initial hunk with an empty Header.
func ParseUnifiedDiff(title, text string) Diff {
	d := Diff{Title: title}
	if strings.TrimSpace(text) == "" {
		return d
	}
	var cur *DiffHunk
	flush := func() {
		if cur != nil && (cur.Header != "" || len(cur.Lines) > 0) {
			d.Hunks = append(d.Hunks, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			flush()
			cur = &DiffHunk{Header: line}
			continue
		case cur == nil:
			cur = &DiffHunk{}
		}
		switch {
		case cur.Header == "":
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffHeader, Content: line})
		case strings.HasPrefix(line, "+"):
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffAdd, Content: line[1:]})
		case strings.HasPrefix(line, "-"):
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffRemove, Content: line[1:]})
		case strings.HasPrefix(line, " "):
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffContext, Content: line[1:]})
		case strings.HasPrefix(line, `\`):
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffHeader, Content: line})
		default:
			cur.Lines = append(cur.Lines, DiffLine{Kind: DiffContext, Content: line})
		}
	}
	flush()
	return d
}

// DiffText renders d back to unified diff lines.
func DiffText(d Diff) []string {
	var out []string
	if d.Title != "" {
		out = append(out, d.Title)
	}
	for _, h := range d.Hunks {
		if h.Header != "" {
			out = append(out, h.Header)
		}
		for _, l := range h.Lines {
			switch l.Kind {
			case DiffAdd:
				out = append(out, "+"+l.Content)
			case DiffRemove:
				out = append(out, "-"+l.Content)
			case DiffContext:
				out = append(out, " "+l.Content)
			default:
				out = append(out, l.Content)
			}
		}
	}
	return out
}

// DiffStats counts added and removed lines.
func DiffStats(d Diff) (added, removed int) {
	for _, h := range d.Hunks {
		for _, l := range h.Lines {
			switch l.Kind {
			case DiffAdd:
				added++
			case DiffRemove:
				removed++
			}
		}
	}
	return added, removed
}
