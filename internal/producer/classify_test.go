package producer

import (
	"testing"

	"echo-transcript/internal/history"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		argv   []string
		action history.ExecAction
		parsed []history.ParsedCommand
	}{
		{
			name:   "plain read",
			argv:   []string{"cat", "go.mod"},
			action: history.ActionRead,
			parsed: []history.ParsedCommand{{Action: history.ActionRead, Cmd: "cat go.mod", Name: "cat", Path: "go.mod"}},
		},
		{
			name:   "bash search with quotes",
			argv:   []string{"bash", "-lc", `rg -n "func main" cmd`},
			action: history.ActionSearch,
			parsed: []history.ParsedCommand{{Action: history.ActionSearch, Cmd: "rg -n func main cmd", Name: "rg", Query: "func main", Path: "cmd"}},
		},
		{
			name:   "cd then list",
			argv:   []string{"bash", "-lc", "cd internal && ls -la"},
			action: history.ActionList,
			parsed: []history.ParsedCommand{{Action: history.ActionList, Cmd: "ls -la", Name: "ls"}},
		},
		{
			name:   "pipe filter is dropped",
			argv:   []string{"sh", "-c", "grep -rn TODO . | head -n 5"},
			action: history.ActionSearch,
			parsed: []history.ParsedCommand{{Action: history.ActionSearch, Cmd: "grep -rn TODO .", Name: "grep", Query: "TODO", Path: "."}},
		},
		{
			name:   "sed -n is a read",
			argv:   []string{"bash", "-lc", "sed -n '1,20p' main.go"},
			action: history.ActionRead,
			parsed: []history.ParsedCommand{{Action: history.ActionRead, Cmd: "sed -n 1,20p main.go", Name: "sed", Path: "main.go"}},
		},
		{
			name:   "find with name is a search",
			argv:   []string{"find", ".", "-name", "*.go"},
			action: history.ActionSearch,
			parsed: []history.ParsedCommand{{Action: history.ActionSearch, Cmd: "find . -name *.go", Name: "find", Path: ".", Query: "*.go"}},
		},
		{
			name:   "any run wins",
			argv:   []string{"bash", "-lc", "ls; go test ./..."},
			action: history.ActionRun,
		},
		{
			name:   "env assignment skipped",
			argv:   []string{"bash", "-lc", "GOFLAGS=-mod=mod go build ./..."},
			action: history.ActionRun,
			parsed: []history.ParsedCommand{{Action: history.ActionRun, Cmd: "go build ./...", Name: "go"}},
		},
		{
			name:   "empty",
			argv:   nil,
			action: history.ActionRun,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, action := Classify(tt.argv)
			if action != tt.action {
				t.Fatalf("action = %s, want %s (parsed %+v)", action, tt.action, parsed)
			}
			if tt.parsed == nil {
				return
			}
			if len(parsed) != len(tt.parsed) {
				t.Fatalf("parsed = %+v, want %+v", parsed, tt.parsed)
			}
			for i := range parsed {
				if parsed[i] != tt.parsed[i] {
					t.Fatalf("parsed[%d] = %+v, want %+v", i, parsed[i], tt.parsed[i])
				}
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`echo "a \"b\"" 'c d' e\ f && x||y; z | w`)
	want := []string{"echo", `a "b"`, "c d", "e f", "&&", "x", "||", "y", ";", "z", "|", "w"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %+v", got)
	}
	for i := range want {
		if got[i].text != want[i] {
			t.Fatalf("token %d = %q, want %q", i, got[i].text, want[i])
		}
	}
}
