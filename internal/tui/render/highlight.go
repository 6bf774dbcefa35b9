package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type shellTokenKind int

const (
	tokSpace shellTokenKind = iota
	tokWord
	tokString
	tokOperator
	tokComment
)

type shellToken struct {
	kind shellTokenKind
	text string
}

// scanShellLine splits one line of a command into tokens. Quoted sections
// stay inside their word; an unterminated quote runs to the end of the line.
func scanShellLine(line string) []shellToken {
	var out []shellToken
	rs := []rune(line)
	for i := 0; i < len(rs); {
		start := i
		switch r := rs[i]; {
		case r == ' ' || r == '\t':
			for i < len(rs) && (rs[i] == ' ' || rs[i] == '\t') {
				i++
			}
			out = append(out, shellToken{tokSpace, string(rs[start:i])})
		case r == '#':
			out = append(out, shellToken{tokComment, string(rs[start:])})
			i = len(rs)
		case strings.ContainsRune("|&;<>", r):
			for i < len(rs) && strings.ContainsRune("|&;<>", rs[i]) && i-start < 2 {
				i++
			}
			out = append(out, shellToken{tokOperator, string(rs[start:i])})
		default:
			quoted := false
			for i < len(rs) && !strings.ContainsRune(" \t|&;<>", rs[i]) {
				if q := rs[i]; q == '\'' || q == '"' {
					quoted = true
					i++
					for i < len(rs) && rs[i] != q {
						if q == '"' && rs[i] == '\\' {
							i++
						}
						i++
					}
				}
				i++
			}
			i = min(i, len(rs))
			kind := tokWord
			if quoted {
				kind = tokString
			}
			out = append(out, shellToken{kind, string(rs[start:i])})
		}
	}
	return out
}

// HighlightBashToLines 高亮命令：命令名加粗，注释、运算符与引号参数 dim。
func HighlightBashToLines(script string, theme *Theme) []Line {
	var lines []Line
	for _, raw := range strings.Split(script, "\n") {
		var spans []Span
		expectCommand := true
		for _, tok := range scanShellLine(raw) {
			style := lipgloss.NewStyle()
			switch tok.kind {
			case tokComment, tokString:
				style = theme.Dim
				if tok.kind == tokString {
					expectCommand = false
				}
			case tokOperator:
				style = theme.Dim
				expectCommand = true
			case tokWord:
				if expectCommand && !strings.Contains(tok.text, "=") {
					style = theme.Text.Bold(true)
					expectCommand = false
				}
			}
			spans = append(spans, Span{Text: tok.text, Style: style})
		}
		lines = append(lines, Line{Spans: spans})
	}
	return lines
}

func isOperator(tok string) bool {
	switch tok {
	case "&&", "||", "|", "&", ";", ">", ">>", "<", "<<":
		return true
	}
	return false
}

// shellJoin 以 shell 可读方式拼接 argv，必要时加单引号。
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if (a == "" || strings.ContainsAny(a, " \t\n'\"$`\\*?[]{}()<>|&;")) && !isOperator(a) {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
