// Package journal keeps an append-only JSONL log of applied Domain Events.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"
)

// EventRestore marks a snapshot restore; replay starts over from it.
const EventRestore = "restore"

// Entry 是日志中的一行。
type Entry struct {
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	Event json.RawMessage `json:"event"`
}

type recordEvent struct {
	ID      *history.HistoryID `json:"id,omitempty"`
	Type    string             `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// Encode turns an event into a journal entry stamped with at.
func Encode(ev history.Event, at time.Time) (Entry, error) {
	if ev == nil {
		return Entry{}, errors.New("journal: nil event")
	}
	var (
		raw []byte
		err error
	)
	switch e := ev.(type) {
	case history.Insert:
		raw, err = encodeRecord(nil, e.Record)
	case history.Replace:
		raw, err = encodeRecord(history.IDPtr(e.ID), e.Record)
	default:
		raw, err = json.Marshal(ev)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode %s: %w", ev.EventName(), err)
	}
	return Entry{Type: ev.EventName(), At: at.UTC(), Event: raw}, nil
}

func encodeRecord(id *history.HistoryID, rec history.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	payload, err := history.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordEvent{ID: id, Type: string(rec.Kind()), Payload: payload})
}

// Decode is the inverse of Encode. Restore entries are not events; use
// DecodeSnapshot for those.
func Decode(e Entry) (history.Event, error) {
	switch e.Type {
	case "insert", "replace":
		var re recordEvent
		if err := json.Unmarshal(e.Event, &re); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", e.Type, err)
		}
		rec, err := history.DecodeRecord(re.Type, re.Payload)
		if err != nil {
			return nil, err
		}
		if e.Type == "insert" {
			return history.Insert{Record: rec}, nil
		}
		if re.ID == nil {
			return nil, errors.New("journal: replace without id")
		}
		return history.Replace{ID: *re.ID, Record: rec}, nil
	case "remove":
		return decodeAs[history.Remove](e)
	case "exec_begin":
		return decodeAs[history.ExecBegin](e)
	case "exec_output":
		return decodeAs[history.ExecOutput](e)
	case "exec_wait":
		return decodeAs[history.ExecWait](e)
	case "exec_end":
		return decodeAs[history.ExecEnd](e)
	case "tool_begin":
		return decodeAs[history.ToolBegin](e)
	case "tool_end":
		return decodeAs[history.ToolEnd](e)
	case "stream_delta":
		return decodeAs[history.StreamDelta](e)
	case "stream_finalize":
		return decodeAs[history.StreamFinalize](e)
	case "interrupt":
		return decodeAs[history.Interrupt](e)
	case "truncate":
		return decodeAs[history.Truncate](e)
	}
	return nil, fmt.Errorf("journal: unknown event type %q", e.Type)
}

func decodeAs[T history.Event](e Entry) (history.Event, error) {
	var v T
	if err := json.Unmarshal(e.Event, &v); err != nil {
		return nil, fmt.Errorf("journal: decode %s: %w", e.Type, err)
	}
	return v, nil
}

// DecodeSnapshot reads the snapshot carried by a restore entry.
func DecodeSnapshot(e Entry) (history.Snapshot, error) {
	if e.Type != EventRestore {
		return history.Snapshot{}, fmt.Errorf("journal: %s entry has no snapshot", e.Type)
	}
	return history.UnmarshalSnapshot(e.Event)
}

// Writer appends entries to a JSONL file. It implements history.Recorder:
// Applied only encodes and queues, a background goroutine does the I/O.
type Writer struct {
	path string
	now  func() time.Time
	log  *logger.LogEntry

	mu      sync.Mutex
	pending [][]byte
	closed  bool
	err     error
	wake    chan struct{}
	idle    *sync.Cond
	writing bool
	done    chan struct{}

	f *os.File
	w *bufio.Writer
}

// Open opens (or creates) the journal at path for appending.
func Open(path string) (*Writer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		path: path,
		now:  time.Now,
		log:  logger.Named("journal"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		f:    f,
		w:    bufio.NewWriter(f),
	}
	w.idle = sync.NewCond(&w.mu)
	go w.run()
	return w, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string { return w.path }

// Applied implements history.Recorder.
func (w *Writer) Applied(ev history.Event, _ history.Mutation) {
	entry, err := Encode(ev, w.now())
	if err != nil {
		w.log.Warnf("skip event: %v", err)
		return
	}
	w.enqueue(entry)
}

// Restored records that the transcript was replaced by snap.
func (w *Writer) Restored(snap history.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	w.enqueue(Entry{Type: EventRestore, At: w.now().UTC(), Event: raw})
	return nil
}

func (w *Writer) enqueue(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		w.log.Warnf("skip %s: %v", entry.Type, err)
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, append(line, '\n'))
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.writing = len(batch) > 0
		w.mu.Unlock()

		if len(batch) > 0 {
			err := w.write(batch)
			w.mu.Lock()
			if err != nil && w.err == nil {
				w.err = err
				w.log.Errorf("write %s: %v", w.path, err)
			}
			w.writing = false
			w.idle.Broadcast()
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		w.idle.Broadcast()
		w.mu.Unlock()
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *Writer) write(batch [][]byte) error {
	for _, line := range batch {
		if _, err := w.w.Write(line); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// Sync blocks until everything queued so far is on disk and returns the first
// write error, if any.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for (len(w.pending) > 0 || w.writing) && !w.finished() {
		w.idle.Wait()
	}
	if w.err != nil {
		return w.err
	}
	return nil
}

func (w *Writer) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close drains the queue and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return w.err
	}
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
	cerr := w.f.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return cerr
}

// Read loads every entry in path. Lines that do not parse are skipped.
func Read(path string) ([]Entry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	var out []Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.Type == "" {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Result summarizes a replay.
type Result struct {
	State   *history.State
	Applied int
	Skipped int
}

// Replay rebuilds a State from the journal at path. The clock is pinned to
// each entry's timestamp so replay is deterministic.
func Replay(path string, opts ...history.StateOption) (Result, error) {
	entries, err := Read(path)
	if err != nil {
		return Result{}, err
	}
	return ReplayEntries(entries, opts...)
}

// ReplayEntries applies entries in order to a fresh State. Entries that fail
// to decode or apply are counted and skipped.
func ReplayEntries(entries []Entry, opts ...history.StateOption) (Result, error) {
	var at time.Time
	opts = append(opts, history.WithClock(func() time.Time { return at }))
	st := history.NewState(opts...)
	log := logger.Named("journal")
	res := Result{State: st}
	for i, e := range entries {
		at = e.At
		if e.Type == EventRestore {
			snap, err := DecodeSnapshot(e)
			if err == nil {
				_, err = st.Restore(snap)
			}
			if err != nil {
				log.Warnf("entry %d restore: %v", i, err)
				res.Skipped++
				continue
			}
			res.Applied++
			continue
		}
		ev, err := Decode(e)
		if err != nil {
			log.Warnf("entry %d: %v", i, err)
			res.Skipped++
			continue
		}
		if _, err := st.Apply(ev); err != nil {
			log.Warnf("entry %d %s: %v", i, e.Type, err)
			res.Skipped++
			continue
		}
		res.Applied++
	}
	if err := st.CheckInvariants(); err != nil {
		return res, fmt.Errorf("journal: replayed state: %w", err)
	}
	return res, nil
}
