package producer

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
)

func newTestStream(sink Sink, src DeltaSource) *StreamProducer {
	return NewStreamProducer(sink, src, WithStreamIDs(sequentialIDs("stream")), WithStreamLogger(logger.NoopStreamLogger{}))
}

func TestStreamProducerFinalizes(t *testing.T) {
	sink := newStateSink()
	src := &ScriptedSource{
		Chunks: []Chunk{
			{Reasoning: "## Plan\nlook first"},
			{Text: "Hello "},
			{Text: "world", Citations: []string{"https://example.com"}},
		},
		Usage: &history.TokenUsage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7},
	}
	id, err := newTestStream(sink, src).Run(context.Background(), StreamRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id != "stream-1" {
		t.Fatalf("stream id = %q", id)
	}

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	reasoning, ok := recs[0].(history.Reasoning)
	if !ok || len(reasoning.Sections) != 1 || reasoning.Sections[0].Heading != "Plan" {
		t.Fatalf("reasoning = %+v", recs[0])
	}
	msg, ok := recs[1].(history.AssistantMessage)
	if !ok {
		t.Fatalf("record 1 is %s", recs[1].Kind())
	}
	if msg.Markdown != "Hello world" || msg.StreamID != "stream-1" {
		t.Fatalf("message = %+v", msg)
	}
	if len(msg.Deltas) != 2 || *msg.Deltas[1].Sequence != 2 {
		t.Fatalf("deltas = %+v", msg.Deltas)
	}
	if msg.TokenUsage == nil || msg.TokenUsage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", msg.TokenUsage)
	}
	if len(msg.Citations) != 1 {
		t.Fatalf("citations = %v", msg.Citations)
	}
	sink.checkClean(t)
}

func TestStreamProducerSourceError(t *testing.T) {
	sink := newStateSink()
	boom := errors.New("upstream closed")
	src := &ScriptedSource{Chunks: []Chunk{{Text: "partial"}}, Err: boom}
	if _, err := newTestStream(sink, src).Run(context.Background(), StreamRequest{}); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v", err)
	}
	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if msg, ok := recs[0].(history.AssistantMessage); !ok || msg.Markdown != "partial" {
		t.Fatalf("partial answer should be finalized, got %+v", recs[0])
	}
	if pm, ok := recs[1].(history.PlainMessage); !ok || pm.Role != history.RoleError {
		t.Fatalf("error message = %+v", recs[1])
	}
}

func TestStreamProducerAbortLeavesStreamForInterrupt(t *testing.T) {
	sink := newStateSink()
	src := NewScriptedSource("one two three four five six")
	src.Delay = 30 * time.Millisecond
	p := newTestStream(sink, src)

	// 不属于这个 turn 的命令。
	sink.apply(t, history.ExecBegin{CallID: "user-run", Command: []string{"sleep", "1"}})

	turn := Start(context.Background(), sink, func(ctx context.Context, out Sink) error {
		_, err := p.RunTo(ctx, out, StreamRequest{})
		return err
	})
	time.Sleep(80 * time.Millisecond)
	if err := turn.Abort(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Abort = %v", err)
	}
	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	st, ok := recs[1].(history.AssistantStream)
	if !ok || !st.InProgress {
		t.Fatalf("aborted stream should still be live, got %+v", recs[1])
	}

	ev, ok := turn.Interrupt("interrupted", time.Time{})
	if !ok || !slices.Equal(ev.Streams, []string{st.StreamID}) || len(ev.Calls) != 0 {
		t.Fatalf("turn interrupt = %+v, %v", ev, ok)
	}
	if m := sink.apply(t, ev); m.Kind == history.MutationNoop {
		t.Fatalf("interrupt did nothing")
	}
	recs = sink.records()
	if _, ok := recs[1].(history.AssistantMessage); !ok {
		t.Fatalf("interrupt should settle the stream")
	}
	if ex := recs[0].(history.Exec); ex.Status != history.ExecRunning {
		t.Fatalf("exec outside the turn was settled: %+v", ex)
	}
	// A late delta from the aborted producer is stale.
	if m := sink.apply(t, history.StreamDelta{StreamID: st.StreamID, Delta: "late"}); !m.Stale {
		t.Fatalf("late delta applied: %+v", m)
	}
}

func TestScriptedSourceSplitsWords(t *testing.T) {
	src := NewScriptedSource("a b  c")
	var got string
	done, err := src.Stream(context.Background(), StreamRequest{}, func(c Chunk) error {
		got += c.Text
		return nil
	})
	if err != nil || got != "a b  c" {
		t.Fatalf("stream = %q, %v", got, err)
	}
	if done.Usage == nil || done.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", done.Usage)
	}
}

func TestNetworkSourcesRequireKeys(t *testing.T) {
	if _, err := NewOpenAISource(SourceOptions{}); err == nil {
		t.Fatalf("openai source without key should fail")
	}
	if _, err := NewAnthropicSource(SourceOptions{}); err == nil {
		t.Fatalf("anthropic source without key should fail")
	}
	if got := normalizeAnthropicURL("https://api.example.com/v1/"); got != "https://api.example.com" {
		t.Fatalf("normalized = %q", got)
	}
	src, err := NewOpenAISource(SourceOptions{APIKey: "k", Model: "gpt"})
	if err != nil || src.Name() != "openai" {
		t.Fatalf("openai source = %v, %v", src, err)
	}
	msgs := toChatMessages(StreamRequest{System: "sys", Messages: []Message{{Role: history.RoleUser, Content: "hi"}}})
	if len(msgs) != 2 {
		t.Fatalf("chat messages = %d", len(msgs))
	}
	params := anthropicParams(StreamRequest{System: "sys", Messages: []Message{{Role: history.RoleUser, Content: "hi"}, {Role: history.RoleAssistant, Content: " "}}}, "claude")
	if len(params.Messages) != 1 || len(params.System) != 1 {
		t.Fatalf("anthropic params = %+v", params)
	}
}
