package producer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"echo-transcript/internal/history"
)

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func onlyExec(t *testing.T, sink *stateSink) history.Exec {
	t.Helper()
	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1: %+v", len(recs), recs)
	}
	ex, ok := recs[0].(history.Exec)
	if !ok {
		t.Fatalf("record is %s", recs[0].Kind())
	}
	return ex
}

func TestExecSupervisorPipes(t *testing.T) {
	requireShell(t)
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithCallIDs(sequentialIDs("call")), WithIdleNotice(0))

	res, err := sup.Run(context.Background(), ExecRequest{
		Command: []string{"sh", "-c", "printf 'one\\ntwo\\n'; printf 'oops\\n' >&2; exit 3"},
		GroupID: "g1",
		Tags:    []string{"test"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CallID != "call-1" || res.ExitCode != 3 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "two") || !strings.Contains(res.Output, "oops") {
		t.Fatalf("tail = %q", res.Output)
	}

	ex := onlyExec(t, sink)
	if ex.Status != history.ExecError || ex.ExitCode == nil || *ex.ExitCode != 3 {
		t.Fatalf("exec status=%s exit=%v", ex.Status, ex.ExitCode)
	}
	if got := history.JoinChunks(ex.Stdout); got != "one\ntwo\n" {
		t.Fatalf("stdout = %q", got)
	}
	if got := history.JoinChunks(ex.Stderr); got != "oops\n" {
		t.Fatalf("stderr = %q", got)
	}
	if ex.GroupID != "g1" || len(ex.Tags) != 1 || ex.CompletedAt == nil {
		t.Fatalf("exec metadata = %+v", ex)
	}
	sink.checkClean(t)
}

func TestExecSupervisorSuccessClassifies(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithIdleNotice(0))
	res, err := sup.Run(context.Background(), ExecRequest{
		Command:    []string{"sh", "-c", "ls"},
		WorkingDir: dir,
		Env:        map[string]string{"ECHO_TRANSCRIPT_TEST": "1"},
	})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	ex := onlyExec(t, sink)
	if ex.Status != history.ExecSuccess || ex.Action != history.ActionList || ex.WorkingDir != dir {
		t.Fatalf("exec = %+v", ex)
	}
	if ex.Env["ECHO_TRANSCRIPT_TEST"] != "1" {
		t.Fatalf("env not recorded: %v", ex.Env)
	}
}

func TestExecSupervisorStartFailure(t *testing.T) {
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithIdleNotice(0))
	_, err := sup.Run(context.Background(), ExecRequest{Command: []string{"/definitely/not/a/binary"}})
	if err == nil {
		t.Fatalf("expected start error")
	}
	ex := onlyExec(t, sink)
	if ex.Status != history.ExecError || ex.ExitCode == nil || *ex.ExitCode != -1 {
		t.Fatalf("exec = %+v", ex)
	}
	if history.JoinChunks(ex.Stderr) == "" {
		t.Fatalf("start error should land in stderr")
	}

	if _, err := sup.Run(context.Background(), ExecRequest{Command: []string{" "}}); err == nil {
		t.Fatalf("blank command should be rejected")
	}
}

func TestExecSupervisorCancel(t *testing.T) {
	requireShell(t)
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithIdleNotice(0))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := sup.Run(ctx, ExecRequest{Command: []string{"sh", "-c", "echo started; sleep 10"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	ex := onlyExec(t, sink)
	if ex.Status != history.ExecError {
		t.Fatalf("status = %s", ex.Status)
	}
	if len(ex.WaitNotes) == 0 || ex.WaitNotes[len(ex.WaitNotes)-1].Message != "interrupted" {
		t.Fatalf("wait notes = %+v", ex.WaitNotes)
	}
	sink.checkClean(t)
}

func TestExecSupervisorIdleNotes(t *testing.T) {
	requireShell(t)
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithIdleNotice(40*time.Millisecond))
	if _, err := sup.Run(context.Background(), ExecRequest{Command: []string{"sh", "-c", "sleep 0.3; echo done"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ex := onlyExec(t, sink)
	if len(ex.WaitNotes) == 0 {
		t.Fatalf("expected idle wait notes")
	}
	if ex.WaitActive {
		t.Fatalf("wait should be inactive after the command ended")
	}
	if ex.WaitTotalMs <= 0 {
		t.Fatalf("wait total = %d", ex.WaitTotalMs)
	}
}

func TestExecSupervisorPTY(t *testing.T) {
	requireShell(t)
	sink := newStateSink()
	sup := NewExecSupervisor(sink, WithIdleNotice(0))
	res, err := sup.Run(context.Background(), ExecRequest{Command: []string{"sh", "-c", "echo hi-from-tty"}, TTY: true})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	ex := onlyExec(t, sink)
	if !strings.Contains(history.JoinChunks(ex.Stdout), "hi-from-tty") {
		t.Fatalf("stdout = %q", history.JoinChunks(ex.Stdout))
	}
}

func TestPumpCarriesSplitRunes(t *testing.T) {
	sink := newStateSink()
	sink.apply(t, history.ExecBegin{CallID: "c1", Command: []string{"x"}})
	p := &pump{sink: sink, ctx: context.Background(), log: testLog(), target: history.ByCall("c1"), stream: history.Stdout, tail: &tailRing{}}

	word := []byte("héllo")
	p.Write(word[:2]) // "h" plus the first byte of "é"
	p.Write(word[2:])
	p.flush()

	var chunks []history.ExecChunk
	sink.mu.Lock()
	for _, ev := range sink.events {
		if out, ok := ev.(history.ExecOutput); ok {
			chunks = append(chunks, out.Chunk)
		}
	}
	sink.mu.Unlock()
	if len(chunks) != 2 || chunks[0].Content != "h" || chunks[1].Content != "éllo" || chunks[1].Offset != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestCompleteUTF8(t *testing.T) {
	e := []byte("é") // 2 bytes
	euro := []byte("€")
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 3},
		{append([]byte("a"), e[0]), 1},
		{append([]byte("a"), e...), 3},
		{append([]byte("a"), euro[:2]...), 1},
		{[]byte{0xff, 0xfe}, 2},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := completeUTF8(tt.in); got != tt.want {
			t.Fatalf("completeUTF8(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTailRingKeepsLastBytes(t *testing.T) {
	r := &tailRing{max: 4}
	r.append([]byte("ab"))
	r.append([]byte("cde"))
	if got := r.String(); got != "bcde" {
		t.Fatalf("tail = %q", got)
	}
	r.append([]byte("123456"))
	if got := r.String(); got != "3456" {
		t.Fatalf("tail = %q", got)
	}
}

func TestWithExecEnv(t *testing.T) {
	env := withExecEnv([]string{"TERM=xterm", "HOME=/h"}, map[string]string{"FOO": "bar"})
	want := map[string]bool{"TERM=dumb": true, "HOME=/h": true, "NO_COLOR=1": true, "FOO=bar": true}
	for _, kv := range env {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Fatalf("missing %v in %v", want, env)
	}
}
