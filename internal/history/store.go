package history

import (
	"context"
	"errors"
	"sync"

	"echo-transcript/internal/events"
	"echo-transcript/internal/logger"
)

// ErrStoreClosed 表示 Store 已关闭。
var ErrStoreClosed = errors.New("history: store closed")

// Change is published after every apply that changed the transcript.
type Change struct {
	Event    string
	Mutation Mutation
	Version  uint64
}

// Recorder observes applied events on the store goroutine. Implementations
// must not block or call back into the Store.
type Recorder interface {
	Applied(ev Event, m Mutation)
}

// StoreOptions configures a Store.
type StoreOptions struct {
	InboxBuffer  int
	ChangeBuffer int
	State        *State
	Recorder     Recorder
	Logger       *logger.LogEntry
}

type result struct {
	m     Mutation
	err   error
	value any
}

type request struct {
	name  string
	op    func(*State) result
	ev    Event
	reply chan result
}

// Store owns a State on a single goroutine. Producers hand it Domain Events
// through a channel; nothing else touches the State, so no lock is ever held
// while a handler runs.
type Store struct {
	inbox    chan request
	quit     chan struct{}
	done     chan struct{}
	closeOne sync.Once
	changes  *events.Queue[Change]
	recorder Recorder
	log      *logger.LogEntry
}

// NewStore starts the apply loop.
func NewStore(opts StoreOptions) *Store {
	if opts.InboxBuffer <= 0 {
		opts.InboxBuffer = 256
	}
	state := opts.State
	if state == nil {
		state = NewState()
	}
	entry := opts.Logger
	if entry == nil {
		entry = logger.Named("store")
	}
	s := &Store{
		inbox:    make(chan request, opts.InboxBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		changes:  events.NewQueue[Change](opts.ChangeBuffer),
		recorder: opts.Recorder,
		log:      entry,
	}
	go s.loop(state)
	return s
}

func (s *Store) loop(state *State) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.inbox:
			s.handle(state, req)
		}
	}
}

func (s *Store) handle(state *State, req request) {
	var res result
	if req.ev != nil {
		ev := state.Stamp(req.ev)
		res.m, res.err = state.Apply(ev)
		if res.err == nil && s.recorder != nil && res.m.Kind != MutationNoop {
			s.recorder.Applied(ev, res.m)
		}
	} else {
		res = req.op(state)
	}
	if res.err == nil && res.m.Kind != MutationNoop {
		// Publish never blocks; a slow subscriber loses changes, not correctness.
		_ = s.changes.Publish(context.Background(), Change{Event: req.name, Mutation: res.m, Version: state.Version()})
	}
	if req.reply != nil {
		req.reply <- res
	}
}

func (s *Store) enqueue(ctx context.Context, req request) error {
	select {
	case <-s.done:
		return ErrStoreClosed
	default:
	}
	select {
	case s.inbox <- req:
		return nil
	default:
		inboxFullTotal.Inc()
	}
	select {
	case s.inbox <- req:
		return nil
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) call(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	if err := s.enqueue(ctx, req); err != nil {
		return result{}, err
	}
	select {
	case res := <-req.reply:
		return res, res.err
	case <-s.done:
		select {
		case res := <-req.reply:
			return res, res.err
		default:
			return result{}, ErrStoreClosed
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Dispatch queues ev without waiting for it to be applied. Events from one
// goroutine are applied in the order they were dispatched.
func (s *Store) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("history: nil event")
	}
	return s.enqueue(ctx, request{name: ev.EventName(), ev: ev})
}

// Apply queues ev and waits for its result.
func (s *Store) Apply(ctx context.Context, ev Event) (Mutation, error) {
	if ev == nil {
		return Mutation{}, errors.New("history: nil event")
	}
	res, err := s.call(ctx, request{name: ev.EventName(), ev: ev})
	return res.m, err
}

// Flush waits until every event dispatched before the call has been applied.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.call(ctx, request{name: "flush", op: func(*State) result { return result{} }})
	return err
}

// View returns an immutable view of the current transcript.
func (s *Store) View(ctx context.Context) (View, error) {
	res, err := s.call(ctx, request{name: "view", op: func(st *State) result {
		return result{value: st.View()}
	}})
	if err != nil {
		return View{}, err
	}
	return res.value.(View), nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	res, err := s.call(ctx, request{name: "snapshot", op: func(st *State) result {
		return result{value: st.Snapshot()}
	}})
	if err != nil {
		return Snapshot{}, err
	}
	return res.value.(Snapshot), nil
}

// Restore replaces the state with snap.
func (s *Store) Restore(ctx context.Context, snap Snapshot) (Mutation, error) {
	res, err := s.call(ctx, request{name: "restore", op: func(st *State) result {
		m, err := st.Restore(snap)
		return result{m: m, err: err}
	}})
	return res.m, err
}

// TruncateAfter drops every record after id.
func (s *Store) TruncateAfter(ctx context.Context, id HistoryID) (Mutation, error) {
	return s.Apply(ctx, Truncate{After: &id})
}

// CheckInvariants runs State.CheckInvariants on the store goroutine.
func (s *Store) CheckInvariants(ctx context.Context) error {
	_, err := s.call(ctx, request{name: "check", op: func(st *State) result {
		return result{err: st.CheckInvariants()}
	}})
	return err
}

// Subscribe returns a channel of changes. Slow subscribers miss some.
func (s *Store) Subscribe() <-chan Change { return s.changes.Subscribe() }

// Unsubscribe closes a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan Change) { s.changes.Unsubscribe(ch) }

// Close stops the apply loop. Queued but unapplied events are discarded.
func (s *Store) Close() {
	s.closeOne.Do(func() {
		close(s.quit)
		<-s.done
		s.changes.Close()
		s.log.Debug("store closed")
	})
}
