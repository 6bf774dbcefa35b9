package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingRecorder) Applied(ev Event, _ Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.EventName())
}

func (r *recordingRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestStoreConcurrentProducers(t *testing.T) {
	rec := &recordingRecorder{}
	store := NewStore(StoreOptions{InboxBuffer: 4, State: newTestState(), Recorder: rec})
	defer store.Close()
	ctx := context.Background()

	const producers = 8
	const chunks = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		callID := fmt.Sprintf("call-%d", p)
		if _, err := store.Apply(ctx, ExecBegin{CallID: callID}); err != nil {
			t.Fatalf("begin %s: %v", callID, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var off int64
			for i := 0; i < chunks; i++ {
				chunk := fmt.Sprintf("%s:%d\n", callID, i)
				if err := store.Dispatch(ctx, ExecOutput{Target: ByCall(callID), Stream: Stdout, Chunk: ExecChunk{Offset: off, Content: chunk}}); err != nil {
					t.Errorf("dispatch: %v", err)
					return
				}
				off += int64(len(chunk))
			}
			if err := store.Dispatch(ctx, ExecEnd{Target: ByCall(callID), ExitCode: exitCode(0)}); err != nil {
				t.Errorf("dispatch end: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := store.CheckInvariants(ctx); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	view, err := store.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Len() != producers {
		t.Fatalf("Len = %d, want %d", view.Len(), producers)
	}
	for i := 0; i < view.Len(); i++ {
		ex := view.Record(i).(Exec)
		if ex.Status != ExecSuccess {
			t.Fatalf("exec %s status %s", ex.CallID, ex.Status)
		}
		want := ""
		for c := 0; c < chunks; c++ {
			want += fmt.Sprintf("%s:%d\n", ex.CallID, c)
		}
		if got := JoinChunks(ex.Stdout); got != want {
			t.Fatalf("exec %s output out of order", ex.CallID)
		}
	}
	if got := len(rec.names()); got != producers*(chunks+2) {
		t.Fatalf("recorder saw %d events, want %d", got, producers*(chunks+2))
	}
}

func TestStorePublishesChanges(t *testing.T) {
	store := NewStore(StoreOptions{ChangeBuffer: 16, State: newTestState()})
	defer store.Close()
	sub := store.Subscribe()
	ctx := context.Background()

	if _, err := store.Apply(ctx, ToolBegin{CallID: "t"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.Apply(ctx, ToolEnd{Target: ByCall("t")}); err != nil {
		t.Fatalf("end: %v", err)
	}
	// Stale: no change published.
	if m, err := store.Apply(ctx, ToolEnd{Target: ByCall("t")}); err != nil || !m.Stale {
		t.Fatalf("duplicate end: %+v %v", m, err)
	}
	if _, err := store.TruncateAfter(ctx, 99); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}

	want := []struct {
		event string
		kind  MutationKind
	}{
		{"tool_begin", MutationInserted},
		{"tool_end", MutationReplaced},
	}
	var last uint64
	for _, w := range want {
		select {
		case c := <-sub:
			if c.Event != w.event || c.Mutation.Kind != w.kind {
				t.Fatalf("change = %+v, want %s/%s", c, w.event, w.kind)
			}
			if c.Version <= last {
				t.Fatalf("version did not increase: %d after %d", c.Version, last)
			}
			last = c.Version
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w.event)
		}
	}
	select {
	case c := <-sub:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := NewStore(StoreOptions{State: buildMixedState(t)})
	defer src.Close()
	snap, err := src.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := NewStore(StoreOptions{State: newTestState()})
	defer dst.Close()
	dst.Apply(ctx, Insert{Record: Loading{}})
	m, err := dst.Restore(ctx, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.Kind != MutationRestored || len(m.Removed) != 1 {
		t.Fatalf("restore mutation %+v", m)
	}
	view, _ := dst.View(ctx)
	if view.Len() != len(snap.Records) {
		t.Fatalf("restored %d records, want %d", view.Len(), len(snap.Records))
	}
}

func TestStoreClosed(t *testing.T) {
	store := NewStore(StoreOptions{})
	store.Close()
	store.Close()
	if err := store.Dispatch(context.Background(), Interrupt{}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Dispatch after close: %v", err)
	}
	if _, err := store.View(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("View after close: %v", err)
	}
	if _, ok := <-store.Subscribe(); ok {
		t.Fatalf("subscribe after close should return a closed channel")
	}
}
