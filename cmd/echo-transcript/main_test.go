package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"echo-transcript/internal/history"
	"echo-transcript/internal/session"
)

type cliEnv struct {
	dir  string
	base []string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	return cliEnv{
		dir: dir,
		base: []string{
			"--config", filepath.Join(dir, "config.toml"),
			"-c", "model.provider=scripted",
			"-c", "persist.dir=" + filepath.Join(dir, "sessions"),
			"-c", "exec.observer=false",
			"-C", dir,
			"--log-level", "error",
		},
	}
}

func (e cliEnv) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(append([]string{}, e.base...), args...))
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (e cliEnv) mustRun(t *testing.T, args ...string) (string, string) {
	t.Helper()
	out, errOut, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\nstdout:\n%s\nstderr:\n%s", args, err, out, errOut)
	}
	return out, errOut
}

func savedID(t *testing.T, stderr string) string {
	t.Helper()
	for _, line := range strings.Split(stderr, "\n") {
		if rest, ok := strings.CutPrefix(line, "saved session "); ok {
			return strings.Fields(rest)[0]
		}
	}
	t.Fatalf("no saved session in %q", stderr)
	return ""
}

func TestAskSaveShowSessionsExport(t *testing.T) {
	env := newCLIEnv(t)
	out, errOut := env.mustRun(t, "ask", "--save", "hello there")
	if !strings.Contains(out, "hello there") {
		t.Fatalf("transcript missing prompt:\n%s", out)
	}
	if !strings.Contains(out, "No model provider is configured") {
		t.Fatalf("transcript missing scripted reply:\n%s", out)
	}
	id := savedID(t, errOut)

	out, _ = env.mustRun(t, "sessions")
	if !strings.Contains(out, id) || !strings.Contains(out, "hello there") {
		t.Fatalf("sessions listing missing %s:\n%s", id, out)
	}

	out, _ = env.mustRun(t, "show", "--width", "60", id)
	if !strings.Contains(out, "hello there") {
		t.Fatalf("show output missing prompt:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("show without --color should be plain:\n%q", out)
	}

	exported := filepath.Join(env.dir, "export.json")
	env.mustRun(t, "export", "-o", exported, id)
	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	snap, err := history.UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(snap.Records) < 2 {
		t.Fatalf("expected user and assistant records, got %d", len(snap.Records))
	}
	if title := session.Title(snap); title != "hello there" {
		t.Fatalf("title = %q", title)
	}
}

func TestAskContinuesSessionAndUndo(t *testing.T) {
	env := newCLIEnv(t)
	_, errOut := env.mustRun(t, "ask", "--save", "first")
	id := savedID(t, errOut)
	_, errOut = env.mustRun(t, "ask", "--session", id, "second")
	if got := savedID(t, errOut); got != id {
		t.Fatalf("continuing should keep the session id, got %s want %s", got, id)
	}

	out, _ := env.mustRun(t, "export", id)
	snap, err := history.UnmarshalSnapshot([]byte(out))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Records) < 4 {
		t.Fatalf("expected two exchanges, got %d records", len(snap.Records))
	}
	keep := snap.Records[0].ID
	out, _ = env.mustRun(t, "undo", id, strconv.FormatUint(uint64(keep), 10))
	want := "removed " + strconv.Itoa(len(snap.Records)-1) + " records"
	if !strings.Contains(out, want) {
		t.Fatalf("undo output %q, want %q", out, want)
	}

	out, _ = env.mustRun(t, "show", id)
	if !strings.Contains(out, "first") || strings.Contains(out, "second") {
		t.Fatalf("undo should keep only the first prompt:\n%s", out)
	}
}

func TestUndoRejectsBadID(t *testing.T) {
	env := newCLIEnv(t)
	if _, _, err := env.run(t, "undo", "abc", "not-a-number"); err == nil {
		t.Fatalf("expected error for non-numeric history id")
	}
}

func TestRunPassesExitStatus(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run(t, "run", "--", "sh", "-c", "echo from-shell; exit 3")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	if !strings.Contains(out, "from-shell") {
		t.Fatalf("transcript missing command output:\n%s", out)
	}

	out, _ = env.mustRun(t, "run", "echo", "ok")
	if !strings.Contains(out, "ok") {
		t.Fatalf("transcript missing output:\n%s", out)
	}
}

func TestReplayJournal(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "--enable", "journal", "ask", "journaled prompt")

	files, err := filepath.Glob(filepath.Join(env.dir, "journal", "*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one journal file, got %v (%v)", files, err)
	}
	out, errOut := env.mustRun(t, "replay", "--save", files[0])
	if !strings.Contains(out, "(0 skipped)") {
		t.Fatalf("replay reported skipped entries:\n%s", out)
	}
	if !strings.Contains(out, "journaled prompt") {
		t.Fatalf("replayed transcript missing prompt:\n%s", out)
	}
	id := savedID(t, errOut)
	out, _ = env.mustRun(t, "show", id)
	if !strings.Contains(out, "journaled prompt") {
		t.Fatalf("saved replay missing prompt:\n%s", out)
	}

	// replay itself must not open a second journal.
	files, _ = filepath.Glob(filepath.Join(env.dir, "journal", "*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("replay wrote a journal: %v", files)
	}
}

func TestFeaturesCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, _ := env.mustRun(t, "--enable", "exec_tty", "--disable", "reasoning", "features")
	got := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			t.Fatalf("malformed line %q", line)
		}
		got[fields[0]] = fields[2]
	}
	if got["exec_tty"] != "true" || got["reasoning"] != "false" {
		t.Fatalf("unexpected feature states: %v", got)
	}

	if _, _, err := env.run(t, "--enable", "warp_drive", "features"); err == nil {
		t.Fatalf("unknown feature should be rejected")
	}
}

func TestRootRejectsResumeWithContinue(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run(t, "--resume", "x", "--continue")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestResolveWorkdir(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	cases := []struct {
		in   string
		want string
	}{
		{"", wd},
		{"/abs/path", "/abs/path"},
		{"sub", filepath.Join(wd, "sub")},
	}
	for _, tc := range cases {
		if got := resolveWorkdir(tc.in); got != tc.want {
			t.Fatalf("resolveWorkdir(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
