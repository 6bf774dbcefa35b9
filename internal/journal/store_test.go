package journal

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"echo-transcript/internal/history"
)

func seq(n uint64) *uint64 { return &n }

func sampleEvents() []history.Event {
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	code := 0
	return []history.Event{
		history.Insert{Record: history.PlainMessage{Role: history.RoleUser, Lines: []history.MessageLine{history.TextLine("build it")}}},
		history.ExecBegin{CallID: "c1", Command: []string{"go", "build"}, StartedAt: t0},
		history.ExecOutput{Target: history.ByCall("c1"), Stream: history.Stdout, Chunk: history.ExecChunk{Offset: 0, Content: "ok\n"}},
		history.ExecWait{Target: history.ByCall("c1"), TotalMs: 1500, Active: true},
		history.ExecEnd{Target: history.ByCall("c1"), Status: history.ExecSuccess, ExitCode: &code},
		history.StreamDelta{StreamID: "s1", Delta: "Done ", Sequence: seq(1)},
		history.StreamDelta{StreamID: "s1", Delta: "building.", Sequence: seq(2)},
		history.StreamFinalize{Target: history.ByStream("s1")},
		history.Replace{ID: 0, Record: history.PlainMessage{Role: history.RoleUser, Lines: []history.MessageLine{history.TextLine("build it now")}}},
		history.ToolBegin{CallID: "t1", Title: "lookup"},
		history.Interrupt{Reason: "user"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 1, 9, 0, 1, 0, time.UTC)
	for _, ev := range sampleEvents() {
		entry, err := Encode(ev, at)
		if err != nil {
			t.Fatalf("Encode(%s): %v", ev.EventName(), err)
		}
		if entry.Type != ev.EventName() {
			t.Fatalf("type = %q want %q", entry.Type, ev.EventName())
		}
		got, err := Decode(entry)
		if err != nil {
			t.Fatalf("Decode(%s): %v", entry.Type, err)
		}
		if !reflect.DeepEqual(got, ev) {
			t.Fatalf("%s round trip:\n got %#v\nwant %#v", entry.Type, got, ev)
		}
	}
	if _, err := Decode(Entry{Type: "mystery", Event: []byte("{}")}); err == nil {
		t.Fatalf("unknown type should fail")
	}
}

func TestWriterReplayMatchesLiveState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	live := history.NewState(history.WithClock(func() time.Time { return clock }))
	for _, ev := range sampleEvents() {
		clock = clock.Add(time.Second)
		m, err := live.Apply(ev)
		if err != nil {
			t.Fatalf("live apply %s: %v", ev.EventName(), err)
		}
		if m.Kind != history.MutationNoop {
			w.Applied(ev, m)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Skipped != 0 {
		t.Fatalf("skipped = %d", res.Skipped)
	}
	if !reflect.DeepEqual(res.State.Snapshot(), live.Snapshot()) {
		t.Fatalf("replayed state differs:\n got %+v\nwant %+v", res.State.Snapshot(), live.Snapshot())
	}
}

func TestStoreJournalKeepsDefaultedTimestamps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// 日志时钟与 State 时钟不同步，回放仍需得到相同的时间戳。
	var mu sync.Mutex
	stateClock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	live := history.NewState(history.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		stateClock = stateClock.Add(1500 * time.Millisecond)
		return stateClock
	}))
	store := history.NewStore(history.StoreOptions{State: live, Recorder: w})
	ctx := context.Background()
	for _, ev := range sampleEvents() {
		if _, err := store.Apply(ctx, ev); err != nil {
			t.Fatalf("apply %s: %v", ev.EventName(), err)
		}
	}
	want, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	store.Close()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := res.State.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed state differs:\n got %+v\nwant %+v", got, want)
	}
	ex := res.State.View().Record(1).(history.Exec)
	if ex.CompletedAt == nil || ex.CompletedAt.Year() != 2026 || len(ex.WaitNotes) != 0 {
		t.Fatalf("replayed exec = %+v", ex)
	}
}

func TestReplayRestoreAndGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := history.NewState()
	if _, err := base.Insert(history.Notice{Title: "restored"}); err != nil {
		t.Fatal(err)
	}
	w.Applied(history.Insert{Record: history.Notice{Title: "dropped by restore"}}, history.Mutation{Kind: history.MutationInserted})
	if err := w.Restored(base.Snapshot()); err != nil {
		t.Fatalf("Restored: %v", err)
	}
	w.Applied(history.Insert{Record: history.Notice{Title: "after"}}, history.Mutation{Kind: history.MutationInserted})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json}\n" + `{"type":"remove","at":"2026-02-01T00:00:00Z","event":{"id":99}}` + "\n")
	f.Close()

	res, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Applied != 3 || res.Skipped != 1 {
		t.Fatalf("applied=%d skipped=%d", res.Applied, res.Skipped)
	}
	ids := res.State.IDs()
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	rec, _ := res.State.Get(ids[1])
	if n, ok := rec.(history.Notice); !ok || n.Title != "after" {
		t.Fatalf("last record = %+v", rec)
	}
}

func TestOpenAndReadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatalf("empty path should fail")
	}
	if _, err := Read(filepath.Join(t.TempDir(), "missing.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("Read missing = %v", err)
	}
	if _, err := Encode(nil, time.Now()); err == nil || !strings.Contains(err.Error(), "nil event") {
		t.Fatalf("Encode(nil) = %v", err)
	}
}
