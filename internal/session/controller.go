package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
	"echo-transcript/internal/producer"
	"echo-transcript/internal/tui/render"
)

var (
	// ErrNothingToUndo 表示没有可撤销的用户消息。
	ErrNothingToUndo = errors.New("session: nothing to undo")
	// ErrNoSnapshots 表示未配置快照存储。
	ErrNoSnapshots = errors.New("session: no snapshot store configured")
	ErrEmptyInput  = errors.New("session: empty input")
)

// RestoreRecorder is told about snapshot restores, which are not Domain
// Events. *journal.Writer satisfies it.
type RestoreRecorder interface {
	Restored(snap history.Snapshot) error
}

// Options configures a Controller. Nil fields get defaults.
type Options struct {
	ID      string
	Workdir string
	Model   string
	System  string

	Store     *history.Store
	Cache     *render.Cache
	Source    producer.DeltaSource
	Snapshots SnapshotStore
	Restores  RestoreRecorder

	ExecTTY     bool
	ExecOptions []producer.ExecOption
	// Observer enables the background observer when non-nil.
	Observer *producer.ObserverOptions

	Now    func() time.Time
	Logger *logger.LogEntry

	// StreamTrace receives per-chunk stream logs; nil keeps the default.
	StreamTrace logger.StreamLogger
}

// Controller drives one conversation: it owns the store and the render cache
// and runs at most one model turn at a time.
type Controller struct {
	opts   Options
	store  *history.Store
	owned  bool
	cache  *render.Cache
	stream *producer.StreamProducer
	execs  *producer.ExecSupervisor
	tools  *producer.ToolRunner
	patch  *producer.PatchProducer
	appr   *producer.Approvals
	log    *logger.LogEntry
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// opMu serializes Submit/Interrupt/Undo/Resume; it is never held while
	// waiting for anything but a turn that is already being aborted.
	opMu sync.Mutex
	mu   sync.Mutex
	id   string
	turn *producer.Turn
}

// New builds a Controller. When opts.Store is nil the controller creates and
// later closes its own store.
func New(opts Options) *Controller {
	entry := opts.Logger
	if entry == nil {
		entry = logger.Named("session")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		opts:  opts,
		store: opts.Store,
		cache: opts.Cache,
		log:   entry,
		now:   opts.Now,
		id:    opts.ID,
		appr:  producer.NewApprovals(),
	}
	if c.store == nil {
		c.store = history.NewStore(history.StoreOptions{})
		c.owned = true
	}
	if c.cache == nil {
		c.cache = render.NewCache(0, nil)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	streamOpts := []producer.StreamOption{producer.WithStreamClock(opts.Now)}
	if opts.StreamTrace != nil {
		streamOpts = append(streamOpts, producer.WithStreamLogger(opts.StreamTrace))
	}
	c.stream = producer.NewStreamProducer(c.store, opts.Source, streamOpts...)
	execOpts := append([]producer.ExecOption{producer.WithExecClock(opts.Now)}, opts.ExecOptions...)
	c.execs = producer.NewExecSupervisor(c.store, execOpts...)
	c.tools = producer.NewToolRunner(c.store)
	if opts.Workdir != "" {
		c.tools.Register(producer.FindFilesTool(opts.Workdir))
	}
	c.patch = producer.NewPatchProducer(c.store, c.appr)

	if opts.Observer != nil {
		obs := producer.NewObserver(c.store, c.store, *opts.Observer)
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			if err := obs.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warnf("observer stopped: %v", err)
			}
		}()
	}
	return c
}

func (c *Controller) Store() *history.Store { return c.store }

func (c *Controller) Cache() *render.Cache { return c.cache }

func (c *Controller) Tools() *producer.ToolRunner { return c.tools }

func (c *Controller) Approvals() *producer.Approvals { return c.appr }

func (c *Controller) Workdir() string { return c.opts.Workdir }

func (c *Controller) Model() string { return c.opts.Model }

// ID is the session id; empty until the first Save or Resume.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Busy reports whether a model turn is running.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn.Running()
}

// Wait blocks until the current turn, if any, ends.
func (c *Controller) Wait() error {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	return t.Wait()
}

// takeTurn detaches the active turn. The caller aborts it outside c.mu.
func (c *Controller) takeTurn() *producer.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.turn
	c.turn = nil
	return t
}

// stop aborts the active turn and settles the records it left running.
// Commands started outside the turn (RunCommand, CallTool) are not touched.
func (c *Controller) stop(ctx context.Context, reason string) (history.Mutation, error) {
	noop := history.Mutation{Kind: history.MutationNoop, Index: -1}
	t := c.takeTurn()
	if t == nil {
		return noop, nil
	}
	running := t.Running()
	if err := t.Abort(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debugf("previous turn ended with: %v", err)
	}
	if !running {
		return noop, nil
	}
	ev, ok := t.Interrupt(reason, c.now())
	if !ok {
		return noop, nil
	}
	return c.store.Apply(ctx, ev)
}

// Submit interrupts the running turn, if any, records text as a user message
// and starts a new turn. It returns once the turn has started.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, err := c.stop(ctx, "interrupted by a new message"); err != nil {
		return err
	}
	if _, err := c.store.Apply(ctx, history.Insert{Record: UserMessage(text)}); err != nil {
		return err
	}
	view, err := c.store.View(ctx)
	if err != nil {
		return err
	}
	req := producer.StreamRequest{Model: c.opts.Model, System: c.opts.System, Messages: Conversation(view)}

	t := producer.Start(c.ctx, c.store, func(ctx context.Context, sink producer.Sink) error {
		_, err := c.stream.RunTo(ctx, sink, req)
		return err
	})
	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()
	return nil
}

// Interrupt aborts the running turn. It reports whether anything was settled.
func (c *Controller) Interrupt(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	m, err := c.stop(ctx, "interrupted")
	return m.Kind != history.MutationNoop, err
}

// Undo drops the last user message and everything after it.
func (c *Controller) Undo(ctx context.Context) (history.Mutation, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if _, err := c.stop(ctx, "interrupted by undo"); err != nil {
		return history.Mutation{}, err
	}
	view, err := c.store.View(ctx)
	if err != nil {
		return history.Mutation{}, err
	}
	idx := lastUserMessage(view)
	if idx < 0 {
		return history.Mutation{}, ErrNothingToUndo
	}
	var after *history.HistoryID
	if idx > 0 {
		after = history.IDPtr(view.ID(idx - 1))
	}
	return c.truncate(ctx, history.Truncate{After: after})
}

// UndoTo keeps records up to and including id.
func (c *Controller) UndoTo(ctx context.Context, id history.HistoryID) (history.Mutation, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if _, err := c.stop(ctx, "interrupted by undo"); err != nil {
		return history.Mutation{}, err
	}
	return c.truncate(ctx, history.Truncate{After: &id})
}

func (c *Controller) truncate(ctx context.Context, ev history.Truncate) (history.Mutation, error) {
	m, err := c.store.Apply(ctx, ev)
	if err != nil {
		return m, err
	}
	for _, id := range m.Removed {
		c.cache.InvalidateID(id)
	}
	return m, nil
}

// Save writes a snapshot of the transcript and remembers the session id.
func (c *Controller) Save(ctx context.Context) (Record, error) {
	if c.opts.Snapshots == nil {
		return Record{}, ErrNoSnapshots
	}
	if err := c.store.Flush(ctx); err != nil {
		return Record{}, err
	}
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return Record{}, err
	}
	rec, err := c.opts.Snapshots.Save(ctx, Record{ID: c.ID(), Workdir: c.opts.Workdir, Snapshot: snap})
	if err != nil {
		return Record{}, err
	}
	c.mu.Lock()
	c.id = rec.ID
	c.mu.Unlock()
	c.log.Infof("saved session %s (%d records, rev %s)", rec.ID, len(snap.Records), rec.Revision)
	return rec, nil
}

// Sessions lists saved sessions for the workdir, newest first.
func (c *Controller) Sessions(ctx context.Context) ([]Info, error) {
	if c.opts.Snapshots == nil {
		return nil, ErrNoSnapshots
	}
	return c.opts.Snapshots.List(ctx, c.opts.Workdir)
}

// Resume replaces the transcript with a saved session. An empty id picks the
// latest session for the workdir.
func (c *Controller) Resume(ctx context.Context, id string) (Record, error) {
	if c.opts.Snapshots == nil {
		return Record{}, ErrNoSnapshots
	}
	var (
		rec Record
		err error
	)
	if strings.TrimSpace(id) == "" {
		rec, err = c.opts.Snapshots.Latest(ctx, c.opts.Workdir)
	} else {
		rec, err = c.opts.Snapshots.Load(ctx, id)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, c.Restore(ctx, rec)
}

// Restore replaces the transcript with rec's snapshot.
func (c *Controller) Restore(ctx context.Context, rec Record) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if _, err := c.stop(ctx, "interrupted by resume"); err != nil {
		return err
	}
	if _, err := c.store.Restore(ctx, rec.Snapshot); err != nil {
		return fmt.Errorf("restore %s: %w", rec.ID, err)
	}
	c.cache.InvalidateAll()
	if c.opts.Restores != nil {
		if err := c.opts.Restores.Restored(rec.Snapshot); err != nil {
			c.log.Warnf("journal restore marker: %v", err)
		}
	}
	c.mu.Lock()
	c.id = rec.ID
	c.mu.Unlock()
	return nil
}

// RunCommand runs argv in the session workdir and blocks until it ends.
func (c *Controller) RunCommand(ctx context.Context, argv []string) (producer.ExecResult, error) {
	return c.execs.Run(ctx, producer.ExecRequest{
		Command:    argv,
		WorkingDir: c.opts.Workdir,
		TTY:        c.opts.ExecTTY,
	})
}

// CallTool invokes a registered tool and records the call.
func (c *Controller) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return c.tools.Call(ctx, name, args)
}

// ApplyPatch shows patch as a diff and applies it in the workdir, waiting for
// approval unless autoApprove is set.
func (c *Controller) ApplyPatch(ctx context.Context, patch string, autoApprove bool) (string, error) {
	return c.patch.Run(ctx, producer.PatchRequest{Patch: patch, WorkingDir: c.opts.Workdir, AutoApprove: autoApprove})
}

// UpdatePlan records a plan update from its JSON form.
func (c *Controller) UpdatePlan(ctx context.Context, raw []byte) (history.PlanUpdate, error) {
	return producer.UpdatePlan(ctx, c.store, raw)
}

// Close aborts the running turn and stops background work. A store created by
// New is closed too.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if t := c.takeTurn(); t != nil {
		_ = t.Abort()
	}
	c.cancel()
	c.bg.Wait()
	if c.owned {
		c.store.Close()
	}
}

// UserMessage builds the record for a submitted prompt.
func UserMessage(text string) history.PlainMessage {
	lines := strings.Split(text, "\n")
	out := make([]history.MessageLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, history.TextLine(l))
	}
	return history.PlainMessage{Role: history.RoleUser, Lines: out}
}

// Conversation extracts the model-facing messages: user prompts and finished
// assistant answers, in order.
func Conversation(view history.View) []producer.Message {
	var out []producer.Message
	for i := 0; i < view.Len(); i++ {
		switch r := view.Record(i).(type) {
		case history.PlainMessage:
			if r.Role != history.RoleUser {
				continue
			}
			var b strings.Builder
			for j, l := range r.Lines {
				if j > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(history.SpansText(l.Spans))
			}
			out = append(out, producer.Message{Role: history.RoleUser, Content: b.String()})
		case history.AssistantMessage:
			if strings.TrimSpace(r.Markdown) == "" {
				continue
			}
			out = append(out, producer.Message{Role: history.RoleAssistant, Content: r.Markdown})
		}
	}
	return out
}

func lastUserMessage(view history.View) int {
	for i := view.Len() - 1; i >= 0; i-- {
		if view.Kind(i) != history.KindPlainMessage {
			continue
		}
		if pm, ok := view.Record(i).(history.PlainMessage); ok && pm.Role == history.RoleUser {
			return i
		}
	}
	return -1
}
