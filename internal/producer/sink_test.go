package producer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
)

func testLog() *logger.LogEntry { return logger.Named("test") }

// stateSink applies events synchronously to an in-memory State.
type stateSink struct {
	mu     sync.Mutex
	state  *history.State
	events []history.Event
	errs   []error
}

func newStateSink() *stateSink {
	return &stateSink{state: history.NewState()}
}

func (s *stateSink) Dispatch(_ context.Context, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if _, err := s.state.Apply(ev); err != nil {
		s.errs = append(s.errs, err)
		return err
	}
	return nil
}

func (s *stateSink) View(context.Context) (history.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.View(), nil
}

func (s *stateSink) records() []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.state.View()
	out := make([]history.Record, v.Len())
	for i := range out {
		out[i] = v.Record(i)
	}
	return out
}

func (s *stateSink) apply(t *testing.T, ev history.Event) history.Mutation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.state.Apply(ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.EventName(), err)
	}
	return m
}

func (s *stateSink) checkClean(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		t.Fatalf("dispatch errors: %v", s.errs)
	}
	if err := s.state.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestTurnAbortWaitsForGoroutine(t *testing.T) {
	exited := make(chan struct{})
	turn := Start(context.Background(), nil, func(ctx context.Context, _ Sink) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(exited)
		return ctx.Err()
	})
	if !turn.Running() {
		t.Fatalf("turn should be running")
	}
	if err := turn.Abort(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Abort() = %v", err)
	}
	select {
	case <-exited:
	default:
		t.Fatalf("Abort returned before the goroutine finished")
	}
	if turn.Running() {
		t.Fatalf("turn still reported running")
	}
}

func TestTurnWaitReturnsResult(t *testing.T) {
	want := errors.New("boom")
	turn := Start(context.Background(), nil, func(context.Context, Sink) error { return want })
	if err := turn.Wait(); !errors.Is(err, want) {
		t.Fatalf("Wait() = %v", err)
	}
	if err := turn.Abort(); !errors.Is(err, want) {
		t.Fatalf("Abort after completion = %v", err)
	}
	var nilTurn *Turn
	if err := nilTurn.Abort(); err != nil {
		t.Fatalf("nil turn Abort = %v", err)
	}
}

func TestTurnTracksKeysItStarted(t *testing.T) {
	sink := newStateSink()
	turn := Start(context.Background(), sink, func(ctx context.Context, out Sink) error {
		for _, ev := range []history.Event{
			history.StreamDelta{StreamID: "s1", Delta: "hi"},
			history.ExecBegin{CallID: "c1"},
			history.ToolBegin{CallID: "t1"},
			history.StreamDelta{StreamID: "s1", Delta: " there"},
			history.Insert{Record: history.Loading{Message: "thinking"}},
		} {
			if err := out.Dispatch(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err := turn.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	ev, ok := turn.Interrupt("stop", time.Time{})
	if !ok {
		t.Fatalf("turn should own keys")
	}
	if !slices.Equal(ev.Streams, []string{"s1"}) || !slices.Equal(ev.Calls, []string{"c1", "t1"}) {
		t.Fatalf("owned streams=%v calls=%v", ev.Streams, ev.Calls)
	}
	if len(sink.records()) != 4 {
		t.Fatalf("events were not forwarded: %+v", sink.records())
	}

	idle := Start(context.Background(), nil, func(context.Context, Sink) error { return nil })
	idle.Wait()
	if _, ok := idle.Interrupt("stop", time.Time{}); ok {
		t.Fatalf("a turn that started nothing has nothing to interrupt")
	}
}
