package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
)

// Viewer hands out immutable transcript views. *history.Store satisfies it.
type Viewer interface {
	View(ctx context.Context) (history.View, error)
}

// ObserverOptions configures an Observer. Zero values take defaults.
type ObserverOptions struct {
	Interval time.Duration
	// LongRunning is how long an exec runs before it is called out.
	LongRunning time.Duration
	// Stalled is how long a live stream may go without a delta.
	Stalled time.Duration
	Now     func() time.Time
	Logger  *logger.LogEntry
}

// Observer periodically inspects the transcript and reports long-running
// commands and stalled model streams, once each.
type Observer struct {
	src  Viewer
	sink Sink
	opts ObserverOptions
	log  *logger.LogEntry

	noticed map[string]bool
}

func NewObserver(src Viewer, sink Sink, opts ObserverOptions) *Observer {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.LongRunning <= 0 {
		opts.LongRunning = 30 * time.Second
	}
	if opts.Stalled <= 0 {
		opts.Stalled = 45 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entry := opts.Logger
	if entry == nil {
		entry = logger.Named("observer")
	}
	return &Observer{src: src, sink: sink, opts: opts, log: entry, noticed: map[string]bool{}}
}

// Run checks on every tick until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	tick := time.NewTicker(o.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := o.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.log.WithError(err).Debug("observer check failed")
			}
		}
	}
}

// Check runs one pass and returns how many records were called out.
func (o *Observer) Check(ctx context.Context) (int, error) {
	view, err := o.src.View(ctx)
	if err != nil {
		return 0, err
	}
	now := o.opts.Now()
	live := map[string]bool{}
	count := 0
	for i := 0; i < view.Len(); i++ {
		switch view.Kind(i) {
		case history.KindExec:
			ex := view.Record(i).(history.Exec)
			if ex.Status != history.ExecRunning {
				continue
			}
			key := "exec:" + ex.CallID
			live[key] = true
			ran := now.Sub(ex.StartedAt)
			if o.noticed[key] || ran < o.opts.LongRunning {
				continue
			}
			o.noticed[key] = true
			count++
			o.reportExec(ctx, view.ID(i), ex, ran, now)
		case history.KindAssistantStream:
			st := view.Record(i).(history.AssistantStream)
			if !st.InProgress {
				continue
			}
			key := "stream:" + st.StreamID
			live[key] = true
			quiet := now.Sub(st.LastUpdatedAt)
			if o.noticed[key] || quiet < o.opts.Stalled {
				continue
			}
			o.noticed[key] = true
			count++
			emit(ctx, o.sink, o.log, history.Insert{Record: history.BackgroundEvent{
				Title:       "Model stream stalled",
				Description: fmt.Sprintf("no output for %s", quiet.Round(time.Second)),
			}})
		}
	}
	for key := range o.noticed {
		if !live[key] {
			delete(o.noticed, key)
		}
	}
	return count, nil
}

func (o *Observer) reportExec(ctx context.Context, id history.HistoryID, ex history.Exec, ran time.Duration, now time.Time) {
	elapsed := ran.Round(time.Second)
	emit(ctx, o.sink, o.log, history.ExecWait{
		Target: history.ByID(id),
		Active: ex.WaitActive,
		Note: &history.ExecWaitNote{
			Message:   fmt.Sprintf("still running after %s", elapsed),
			Tone:      history.ToneWarning,
			Timestamp: now,
		},
	})
	emit(ctx, o.sink, o.log, history.Insert{Record: history.Notice{
		Title: "Long-running command",
		Body: []history.MessageLine{
			history.TextLine(fmt.Sprintf("%s has been running for %s", strings.Join(ex.Command, " "), elapsed)),
		},
	}})
	o.log.WithField("call_id", ex.CallID).Info("long-running exec")
}
