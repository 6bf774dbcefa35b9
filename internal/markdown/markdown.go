// Package markdown turns assistant markdown into structured transcript lines.
// Rendering (wrapping, colors) happens later; this package only decides the
// block kinds and inline attributes.
package markdown

import (
	"strconv"
	"strings"

	"echo-transcript/internal/history"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Converter parses markdown with GFM extensions.
type Converter struct {
	md goldmark.Markdown
}

func New() *Converter {
	return &Converter{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

var defaultConverter = New()

// Lines converts src with the default converter.
func Lines(src string) []history.MessageLine {
	return defaultConverter.Lines(src)
}

// Lines converts src into message lines. Top-level blocks are separated by a
// blank line; soft breaks collapse to spaces.
func (c *Converter) Lines(src string) []history.MessageLine {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	source := []byte(src)
	doc := c.md.Parser().Parse(text.NewReader(source))
	b := &builder{src: source}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if len(b.out) > 0 {
			b.emit(history.MessageLine{Kind: history.LineBlank})
		}
		b.block(n, 0, false)
	}
	return b.out
}

// ReasoningSections splits src at headings. Text before the first heading
// lands in an untitled section.
func (c *Converter) ReasoningSections(src string) []history.ReasoningSection {
	var sections []history.ReasoningSection
	var cur *history.ReasoningSection
	for _, line := range c.Lines(src) {
		if line.Kind == history.LineHeading {
			sections = append(sections, history.ReasoningSection{Heading: history.SpansText(line.Spans)})
			cur = &sections[len(sections)-1]
			continue
		}
		if cur == nil {
			sections = append(sections, history.ReasoningSection{})
			cur = &sections[len(sections)-1]
		}
		if line.Kind == history.LineBlank && len(cur.Blocks) == 0 {
			continue
		}
		cur.Blocks = append(cur.Blocks, history.ReasoningBlock{
			Kind:     line.Kind,
			Indent:   line.Indent,
			Marker:   line.Marker,
			Language: line.Language,
			Spans:    line.Spans,
		})
	}
	for i := range sections {
		blocks := sections[i].Blocks
		for len(blocks) > 0 && blocks[len(blocks)-1].Kind == history.LineBlank {
			blocks = blocks[:len(blocks)-1]
		}
		sections[i].Blocks = blocks
		if len(blocks) > 0 && blocks[0].Kind == history.LineParagraph {
			sections[i].Summary = blocks[0].Spans
		}
	}
	return sections
}

// ReasoningSections converts src with the default converter.
func ReasoningSections(src string) []history.ReasoningSection {
	return defaultConverter.ReasoningSections(src)
}

type builder struct {
	src []byte
	out []history.MessageLine
}

func (b *builder) emit(line history.MessageLine) {
	b.out = append(b.out, line)
}

func (b *builder) block(n ast.Node, indent int, quoted bool) {
	switch node := n.(type) {
	case *ast.Heading:
		for _, spans := range b.inlines(node, inlineStyle{bold: true}) {
			b.emit(history.MessageLine{
				Kind:   history.LineHeading,
				Indent: indent,
				Marker: strings.Repeat("#", node.Level),
				Spans:  spans,
			})
		}
	case *ast.Paragraph, *ast.TextBlock:
		kind := history.LineParagraph
		if quoted {
			kind = history.LineQuote
		}
		for _, spans := range b.inlines(node, inlineStyle{}) {
			b.emit(history.MessageLine{Kind: kind, Indent: indent, Spans: spans})
		}
	case *ast.List:
		b.list(node, indent, quoted)
	case *ast.FencedCodeBlock:
		b.code(node, string(node.Language(b.src)), indent)
	case *ast.CodeBlock:
		b.code(node, "", indent)
	case *ast.Blockquote:
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			b.block(c, indent, true)
		}
	case *ast.ThematicBreak:
		b.emit(history.MessageLine{Kind: history.LineSeparator, Indent: indent})
	case *ast.HTMLBlock:
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			raw := strings.TrimRight(string(seg.Value(b.src)), "\r\n")
			b.emit(history.MessageLine{Kind: history.LineParagraph, Indent: indent, Spans: []history.InlineSpan{{Text: raw, Tone: history.ToneDim}}})
		}
	case *east.Table:
		b.table(node, indent)
	default:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			b.block(c, indent, quoted)
		}
	}
}

func (b *builder) list(list *ast.List, indent int, quoted bool) {
	number := list.Start
	if number == 0 {
		number = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "-"
		if list.IsOrdered() {
			marker = strconv.Itoa(number) + "."
			number++
		}
		first := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			switch c.(type) {
			case *ast.Paragraph, *ast.TextBlock:
				if first {
					for i, spans := range b.inlines(c, inlineStyle{}) {
						line := history.MessageLine{Kind: history.LineBullet, Indent: indent, Marker: marker, Spans: spans}
						if i > 0 {
							line.Kind, line.Marker, line.Indent = history.LineParagraph, "", indent+1
						}
						b.emit(line)
					}
					first = false
					continue
				}
			}
			if first {
				b.emit(history.MessageLine{Kind: history.LineBullet, Indent: indent, Marker: marker})
				first = false
			}
			b.block(c, indent+1, quoted)
		}
		if first {
			b.emit(history.MessageLine{Kind: history.LineBullet, Indent: indent, Marker: marker})
		}
	}
}

func (b *builder) code(n ast.Node, language string, indent int) {
	lines := n.Lines()
	if lines.Len() == 0 {
		b.emit(history.MessageLine{Kind: history.LineCode, Indent: indent, Language: language})
		return
	}
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		raw := strings.TrimRight(string(seg.Value(b.src)), "\r\n")
		b.emit(history.MessageLine{
			Kind:     history.LineCode,
			Indent:   indent,
			Language: language,
			Spans:    []history.InlineSpan{{Text: raw, Code: true}},
		})
	}
}

func (b *builder) table(t *east.Table, indent int) {
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		_, header := row.(*east.TableHeader)
		var spans []history.InlineSpan
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			if len(spans) > 0 {
				spans = append(spans, history.InlineSpan{Text: " | ", Tone: history.ToneDim})
			}
			for _, part := range b.inlines(cell, inlineStyle{bold: header}) {
				spans = append(spans, part...)
			}
		}
		b.emit(history.MessageLine{Kind: history.LineParagraph, Indent: indent, Spans: spans})
	}
}

type inlineStyle struct {
	bold, italic, code bool
	href               string
	tone               history.Tone
}

// inlines flattens the inline children of n. Each hard break starts a new
// output line.
func (b *builder) inlines(n ast.Node, base inlineStyle) [][]history.InlineSpan {
	lines := [][]history.InlineSpan{nil}
	add := func(s string, st inlineStyle) {
		if s == "" {
			return
		}
		cur := lines[len(lines)-1]
		span := history.InlineSpan{Text: s, Tone: st.tone, Bold: st.bold, Italic: st.italic, Code: st.code, Href: st.href}
		if k := len(cur); k > 0 {
			last := cur[k-1]
			last.Text = span.Text
			if last == span {
				cur[k-1].Text += s
				return
			}
		}
		lines[len(lines)-1] = append(cur, span)
	}
	var walk func(parent ast.Node, st inlineStyle)
	walk = func(parent ast.Node, st inlineStyle) {
		for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.Text:
				add(string(node.Segment.Value(b.src)), st)
				switch {
				case node.HardLineBreak():
					if cur := lines[len(lines)-1]; len(cur) > 0 {
						cur[len(cur)-1].Text = strings.TrimRight(cur[len(cur)-1].Text, " \t")
					}
					lines = append(lines, nil)
				case node.SoftLineBreak():
					add(" ", st)
				}
			case *ast.String:
				add(string(node.Value), st)
			case *ast.CodeSpan:
				next := st
				next.code = true
				walk(node, next)
			case *ast.Emphasis:
				next := st
				if node.Level >= 2 {
					next.bold = true
				} else {
					next.italic = true
				}
				walk(node, next)
			case *ast.Link:
				next := st
				next.href = string(node.Destination)
				next.tone = history.ToneInfo
				walk(node, next)
			case *ast.AutoLink:
				url := string(node.URL(b.src))
				next := st
				next.href = url
				next.tone = history.ToneInfo
				add(url, next)
			case *ast.Image:
				next := st
				next.italic = true
				add("[image: ", next)
				walk(node, next)
				add("]", next)
			case *ast.RawHTML:
				next := st
				next.tone = history.ToneDim
				for i := 0; i < node.Segments.Len(); i++ {
					seg := node.Segments.At(i)
					add(string(seg.Value(b.src)), next)
				}
			case *east.TaskCheckBox:
				if node.IsChecked {
					add("[x] ", st)
				} else {
					add("[ ] ", st)
				}
			case *east.Strikethrough:
				next := st
				next.tone = history.ToneDim
				walk(node, next)
			default:
				walk(c, st)
			}
		}
	}
	walk(n, base)
	for len(lines) > 1 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
