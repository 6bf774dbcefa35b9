package producer

import (
	"context"
	"errors"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
	"echo-transcript/internal/markdown"

	"github.com/google/uuid"
)

// Message is one prior conversation turn handed to a model.
type Message struct {
	Role    history.Role
	Content string
}

// StreamRequest is a model call.
type StreamRequest struct {
	Model    string
	System   string
	Messages []Message
}

// Chunk is one piece of model output. Text and Reasoning may both be empty
// when a chunk only carries citations.
type Chunk struct {
	Text      string
	Reasoning string
	Citations []string
}

// Completion is what a source reports after the last chunk.
type Completion struct {
	Usage     *history.TokenUsage
	Citations []string
}

// DeltaSource yields model output for a request. yield returns an error to
// stop the stream early.
type DeltaSource interface {
	Name() string
	Stream(ctx context.Context, req StreamRequest, yield func(Chunk) error) (Completion, error)
}

// StreamProducer turns a DeltaSource into sequenced StreamDelta events and a
// final StreamFinalize.
type StreamProducer struct {
	sink   Sink
	source DeltaSource
	now    func() time.Time
	newID  func() string
	trace  logger.StreamLogger
	log    *logger.LogEntry
	md     *markdown.Converter
}

type StreamOption func(*StreamProducer)

func WithStreamClock(now func() time.Time) StreamOption {
	return func(p *StreamProducer) { p.now = now }
}

func WithStreamIDs(next func() string) StreamOption {
	return func(p *StreamProducer) { p.newID = next }
}

func WithStreamLogger(l logger.StreamLogger) StreamOption {
	return func(p *StreamProducer) { p.trace = l }
}

func NewStreamProducer(sink Sink, source DeltaSource, opts ...StreamOption) *StreamProducer {
	entry := logger.Named("stream")
	p := &StreamProducer{
		sink:   sink,
		source: source,
		now:    time.Now,
		newID:  uuid.NewString,
		trace:  logger.NewStreamLogger(entry),
		log:    entry,
		md:     markdown.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source returns the configured source.
func (p *StreamProducer) Source() DeltaSource { return p.source }

// Run streams one response and returns its stream id. Cancellation returns
// ctx.Err() without finalizing: the interrupt path settles the stream.
func (p *StreamProducer) Run(ctx context.Context, req StreamRequest) (string, error) {
	return p.RunTo(ctx, p.sink, req)
}

// RunTo is Run with events sent to sink instead of the producer's own.
func (p *StreamProducer) RunTo(ctx context.Context, sink Sink, req StreamRequest) (string, error) {
	if p.source == nil {
		return "", errors.New("no stream source configured")
	}
	streamID := p.newID()
	p.trace.Request(req.Model, streamID, len(req.Messages))

	var (
		seq       uint64
		reasoning strings.Builder
		flushed   bool
	)
	flushReasoning := func() {
		if flushed || strings.TrimSpace(reasoning.String()) == "" {
			return
		}
		flushed = true
		emit(ctx, sink, p.log, history.Insert{Record: history.Reasoning{
			Sections:  p.md.ReasoningSections(reasoning.String()),
			Collapsed: true,
		}})
	}

	done, err := p.source.Stream(ctx, req, func(c Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Reasoning != "" && !flushed {
			reasoning.WriteString(c.Reasoning)
		}
		if c.Text == "" && len(c.Citations) == 0 {
			return nil
		}
		flushReasoning()
		seq++
		s := seq
		p.trace.Chunk(streamID, s, c.Text)
		return sink.Dispatch(ctx, history.StreamDelta{
			StreamID:   streamID,
			Delta:      c.Text,
			Sequence:   &s,
			ReceivedAt: p.now(),
			Citations:  c.Citations,
		})
	})
	if ctx.Err() != nil {
		p.trace.Error(streamID, ctx.Err())
		return streamID, ctx.Err()
	}
	flushReasoning()

	if err != nil {
		p.trace.Error(streamID, err)
		if seq > 0 {
			emit(ctx, sink, p.log, history.StreamFinalize{Target: history.ByStream(streamID), At: p.now()})
		}
		emit(ctx, sink, p.log, history.Insert{Record: history.PlainMessage{
			Role:   history.RoleError,
			Header: p.source.Name(),
			Lines:  []history.MessageLine{history.TextLine(err.Error())},
		}})
		return streamID, err
	}
	emit(ctx, sink, p.log, history.StreamFinalize{
		Target:     history.ByStream(streamID),
		Citations:  done.Citations,
		TokenUsage: done.Usage,
		At:         p.now(),
	})
	p.trace.Complete(streamID, int(seq))
	return streamID, nil
}

// ScriptedSource replays fixed chunks. It backs offline runs and tests.
type ScriptedSource struct {
	Chunks []Chunk
	// Delay is slept before each chunk.
	Delay time.Duration
	Usage *history.TokenUsage
	Err   error
}

// NewScriptedSource splits text into word-sized chunks.
func NewScriptedSource(text string) *ScriptedSource {
	var chunks []Chunk
	for _, w := range strings.SplitAfter(text, " ") {
		if w != "" {
			chunks = append(chunks, Chunk{Text: w})
		}
	}
	return &ScriptedSource{Chunks: chunks}
}

func (s *ScriptedSource) Name() string { return "scripted" }

func (s *ScriptedSource) Stream(ctx context.Context, _ StreamRequest, yield func(Chunk) error) (Completion, error) {
	var out int64
	for _, c := range s.Chunks {
		if s.Delay > 0 {
			t := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Completion{}, ctx.Err()
			case <-t.C:
			}
		}
		if err := yield(c); err != nil {
			return Completion{}, err
		}
		out += int64(len(strings.Fields(c.Text)))
	}
	if s.Err != nil {
		return Completion{}, s.Err
	}
	usage := s.Usage
	if usage == nil {
		usage = &history.TokenUsage{OutputTokens: out, TotalTokens: out}
	}
	return Completion{Usage: usage}, nil
}
