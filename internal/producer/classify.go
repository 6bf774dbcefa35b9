package producer

import (
	"path"
	"strings"

	"echo-transcript/internal/history"
)

// shellScript returns the script passed to `bash -lc` (or sh/zsh -c) and
// whether argv had that shape.
func shellScript(argv []string) (string, bool) {
	if len(argv) != 3 {
		return "", false
	}
	switch path.Base(argv[0]) {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	switch argv[1] {
	case "-lc", "-c":
		return argv[2], true
	}
	return "", false
}

type token struct {
	text string
	op   bool
}

// tokenize splits a shell script into words and control operators. It handles
// quoting and backslash escapes but no expansions.
func tokenize(script string) []token {
	var out []token
	var cur strings.Builder
	inWord := false
	flush := func() {
		if inWord {
			out = append(out, token{text: cur.String()})
			cur.Reset()
			inWord = false
		}
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			inWord = true
			j := strings.IndexByte(script[i+1:], '\'')
			if j < 0 {
				cur.WriteString(script[i+1:])
				i = len(script)
				continue
			}
			cur.WriteString(script[i+1 : i+1+j])
			i += j + 1
		case c == '"':
			inWord = true
			i++
			for ; i < len(script) && script[i] != '"'; i++ {
				if script[i] == '\\' && i+1 < len(script) && strings.IndexByte(`"\$`+"`", script[i+1]) >= 0 {
					i++
				}
				cur.WriteByte(script[i])
			}
		case c == '\\':
			inWord = true
			if i+1 < len(script) {
				i++
				cur.WriteByte(script[i])
			}
		case c == ' ' || c == '\t':
			flush()
		case c == '\n' || c == ';':
			flush()
			out = append(out, token{text: ";", op: true})
		case c == '&' || c == '|':
			flush()
			if i+1 < len(script) && script[i+1] == c {
				out = append(out, token{text: string([]byte{c, c}), op: true})
				i++
				continue
			}
			out = append(out, token{text: string(c), op: true})
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

type segment struct {
	words []string
	piped bool
}

func segments(tokens []token) []segment {
	var out []segment
	cur := segment{}
	for _, t := range tokens {
		if !t.op {
			cur.words = append(cur.words, t.text)
			continue
		}
		if len(cur.words) > 0 {
			out = append(out, cur)
		}
		cur = segment{piped: t.text == "|"}
	}
	if len(cur.words) > 0 {
		out = append(out, cur)
	}
	return out
}

// pipe consumers that only shape another command's output
var filters = map[string]bool{
	"head": true, "tail": true, "wc": true, "sort": true, "uniq": true,
	"cut": true, "tr": true, "grep": true, "rg": true, "nl": true, "cat": true,
}

// Classify splits a command into its segments and labels each one as read,
// search, list or run. The overall action is run unless every segment agrees
// on something more specific.
func Classify(argv []string) ([]history.ParsedCommand, history.ExecAction) {
	var segs []segment
	if script, ok := shellScript(argv); ok {
		segs = segments(tokenize(script))
	} else if len(argv) > 0 {
		segs = []segment{{words: argv}}
	}

	var parsed []history.ParsedCommand
	for _, seg := range segs {
		words := stripAssignments(seg.words)
		if len(words) == 0 {
			continue
		}
		name := path.Base(words[0])
		if name == "cd" || name == "true" {
			continue
		}
		if seg.piped && filters[name] {
			continue
		}
		parsed = append(parsed, classifySegment(name, words))
	}
	if len(parsed) == 0 {
		return nil, history.ActionRun
	}
	action := parsed[0].Action
	for _, p := range parsed[1:] {
		if p.Action == history.ActionRun || action == history.ActionRun {
			action = history.ActionRun
			break
		}
		if p.Action != action {
			action = mixedAction(action, p.Action)
		}
	}
	return parsed, action
}

func mixedAction(a, b history.ExecAction) history.ExecAction {
	if a == history.ActionSearch || b == history.ActionSearch {
		return history.ActionSearch
	}
	if a == history.ActionList || b == history.ActionList {
		return history.ActionList
	}
	return history.ActionRead
}

func stripAssignments(words []string) []string {
	i := 0
	for i < len(words) {
		w := words[i]
		eq := strings.IndexByte(w, '=')
		if eq <= 0 || strings.ContainsAny(w[:eq], "/-.") {
			break
		}
		i++
	}
	return words[i:]
}

func classifySegment(name string, words []string) history.ParsedCommand {
	p := history.ParsedCommand{Action: history.ActionRun, Cmd: strings.Join(words, " "), Name: name}
	args := operands(words[1:])
	switch name {
	case "cat", "head", "tail", "less", "more", "bat", "nl":
		p.Action = history.ActionRead
		p.Path = last(args)
	case "sed":
		if hasFlag(words[1:], "-n") && len(args) >= 2 {
			p.Action = history.ActionRead
			p.Path = last(args)
		}
	case "rg", "grep", "ag", "ack":
		if hasFlag(words[1:], "--files") {
			p.Action = history.ActionList
			p.Path = first(args)
			break
		}
		p.Action = history.ActionSearch
		p.Query = first(args)
		if len(args) > 1 {
			p.Path = args[1]
		}
	case "git":
		if len(args) > 0 && args[0] == "grep" {
			p.Action = history.ActionSearch
			if len(args) > 1 {
				p.Query = args[1]
			}
		}
	case "find":
		p.Action = history.ActionList
		p.Path = first(args)
		if q := flagValue(words[1:], "-name", "-iname", "-path"); q != "" {
			p.Action = history.ActionSearch
			p.Query = q
		}
	case "ls", "tree", "fd", "du":
		p.Action = history.ActionList
		p.Path = first(args)
	}
	return p
}

// operands drops flags and redirections.
func operands(words []string) []string {
	var out []string
	skipNext := false
	for _, w := range words {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case w == ">" || w == ">>" || w == "<" || w == "2>":
			skipNext = true
		case strings.HasPrefix(w, ">") || strings.HasPrefix(w, "<") || strings.HasPrefix(w, "2>"):
		case strings.HasPrefix(w, "-") && w != "-":
		default:
			out = append(out, w)
		}
	}
	return out
}

func hasFlag(words []string, flag string) bool {
	for _, w := range words {
		if w == flag {
			return true
		}
	}
	return false
}

func flagValue(words []string, flags ...string) string {
	for i, w := range words {
		for _, f := range flags {
			if w == f && i+1 < len(words) {
				return words[i+1]
			}
		}
	}
	return ""
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}
