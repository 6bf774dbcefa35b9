// Package producer translates external activity (shell commands, model
// streams, patches, background checks) into history Domain Events. Producers
// never touch the store directly: they hand events to a Sink and move on.
package producer

import (
	"context"
	"slices"
	"sync"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
)

// Sink accepts Domain Events. *history.Store satisfies it.
type Sink interface {
	Dispatch(ctx context.Context, ev history.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev history.Event) error

func (f SinkFunc) Dispatch(ctx context.Context, ev history.Event) error { return f(ctx, ev) }

// emit dispatches ev and only logs a failure: a dropped event is recovered by
// the next terminal event or by Interrupt.
func emit(ctx context.Context, sink Sink, log *logger.LogEntry, ev history.Event) {
	if sink == nil {
		return
	}
	if err := sink.Dispatch(ctx, ev); err != nil {
		log.WithError(err).WithField("event", ev.EventName()).Warn("dispatch failed")
	}
}

// Turn is one running producer goroutine. It remembers the call and stream
// ids it started so an abort settles only its own records.
type Turn struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	streams []string
	calls   []string
}

// Start runs fn on its own goroutine with a cancellable child of ctx. fn must
// emit through the Sink it is given, which forwards to sink.
func Start(ctx context.Context, sink Sink, fn func(ctx context.Context, sink Sink) error) *Turn {
	ctx, cancel := context.WithCancel(ctx)
	t := &Turn{cancel: cancel, done: make(chan struct{})}
	tracked := SinkFunc(func(ctx context.Context, ev history.Event) error {
		t.own(ev)
		if sink == nil {
			return nil
		}
		return sink.Dispatch(ctx, ev)
	})
	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(ctx, tracked)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
	return t
}

func (t *Turn) own(ev history.Event) {
	var stream, call string
	switch e := ev.(type) {
	case history.StreamDelta:
		stream = e.StreamID
	case history.ExecBegin:
		call = e.CallID
	case history.ToolBegin:
		call = e.CallID
	case history.Insert:
		switch r := e.Record.(type) {
		case history.AssistantStream:
			stream = r.StreamID
		case history.Exec:
			call = r.CallID
		case history.RunningTool:
			call = r.CallID
		}
	}
	if stream == "" && call == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if stream != "" && !slices.Contains(t.streams, stream) {
		t.streams = append(t.streams, stream)
	}
	if call != "" && !slices.Contains(t.calls, call) {
		t.calls = append(t.calls, call)
	}
}

// Interrupt builds the Interrupt that settles what this turn started. ok is
// false when the turn never started a keyed record.
func (t *Turn) Interrupt(reason string, at time.Time) (history.Interrupt, bool) {
	if t == nil {
		return history.Interrupt{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := history.Interrupt{
		Reason:  reason,
		At:      at,
		Streams: slices.Clone(t.streams),
		Calls:   slices.Clone(t.calls),
	}
	return ev, ev.Scoped()
}

// Abort cancels the turn and blocks until its goroutine has returned. After
// Abort returns the turn emits nothing further.
func (t *Turn) Abort() error {
	if t == nil {
		return nil
	}
	t.cancel()
	return t.Wait()
}

// Wait blocks until the turn finishes.
func (t *Turn) Wait() error {
	if t == nil {
		return nil
	}
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the turn finishes.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Running reports whether the goroutine is still active.
func (t *Turn) Running() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
