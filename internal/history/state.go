package history

import (
	"errors"
	"fmt"
	"time"

	"echo-transcript/internal/logger"
)

var (
	// ErrUnknownID 表示事件引用了从未存在（或已删除）的 HistoryID。
	ErrUnknownID = errors.New("history: unknown record id")
	// ErrUnknownTarget 表示 call/stream id 无法匹配任何记录。
	ErrUnknownTarget = errors.New("history: no record matches target")
	// ErrKindMismatch 表示目标记录的类型与事件不符。
	ErrKindMismatch = errors.New("history: record kind does not match event")
	// ErrNilRecord 表示 Insert/Replace 未携带记录。
	ErrNilRecord = errors.New("history: nil record")
	// ErrCorruptSnapshot 表示快照 id 顺序非法。
	ErrCorruptSnapshot = errors.New("history: corrupt snapshot")
	// ErrInvariant 表示内部索引失配。
	ErrInvariant = errors.New("history: invariant violated")
	// ErrKeyInUse 表示 Replace 的新记录占用了另一条运行中记录的 call/stream id。
	ErrKeyInUse = errors.New("history: key owned by another running record")
)

type lookupKind int

const (
	lookupExec lookupKind = iota
	lookupTool
	lookupStream
)

func (k lookupKind) String() string {
	switch k {
	case lookupExec:
		return "exec"
	case lookupTool:
		return "tool"
	default:
		return "stream"
	}
}

type retiredKey struct {
	kind lookupKind
	key  string
}

// State is the single-goroutine core of the transcript. It is not safe for
// concurrent use; Store wraps it in an actor for concurrent producers.
//
// Stored records are never modified in place. Every change builds a new value
// and swaps the slot; slices inside a stored record are only ever appended to,
// so a View taken earlier keeps seeing consistent data.
type State struct {
	records []Record
	ids     []HistoryID
	revs    []uint64
	index   map[HistoryID]int

	nextID   HistoryID
	revision uint64
	version  uint64

	lookups [3]map[string]HistoryID
	retired map[retiredKey]HistoryID

	log *logger.LogEntry
	now func() time.Time
}

// StateOption configures a State.
type StateOption func(*State)

// WithClock overrides the wall clock used for default timestamps.
func WithClock(now func() time.Time) StateOption {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the log entry.
func WithLogger(entry *logger.LogEntry) StateOption {
	return func(s *State) {
		if entry != nil {
			s.log = entry
		}
	}
}

func NewState(opts ...StateOption) *State {
	s := &State{
		index:   make(map[HistoryID]int),
		retired: make(map[retiredKey]HistoryID),
		log:     logger.Named("history"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for i := range s.lookups {
		s.lookups[i] = make(map[string]HistoryID)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of records.
func (s *State) Len() int { return len(s.records) }

// NextID returns the id the next insert will receive.
func (s *State) NextID() HistoryID { return s.nextID }

// Version increases on every state change.
func (s *State) Version() uint64 { return s.version }

// IDs returns the ordered ids.
func (s *State) IDs() []HistoryID {
	out := make([]HistoryID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Get returns a copy of the record with id.
func (s *State) Get(id HistoryID) (Record, bool) {
	idx, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return Clone(s.records[idx]), true
}

// ExecLookup returns the running exec registered for callID.
func (s *State) ExecLookup(callID string) (HistoryID, bool) {
	id, ok := s.lookups[lookupExec][callID]
	return id, ok
}

// ToolLookup returns the running tool registered for callID.
func (s *State) ToolLookup(callID string) (HistoryID, bool) {
	id, ok := s.lookups[lookupTool][callID]
	return id, ok
}

// StreamLookup returns the live stream registered for streamID.
func (s *State) StreamLookup(streamID string) (HistoryID, bool) {
	id, ok := s.lookups[lookupStream][streamID]
	return id, ok
}

// View returns an immutable ordered view for readers.
func (s *State) View() View {
	return View{
		version: s.version,
		ids:     append([]HistoryID(nil), s.ids...),
		records: append([]Record(nil), s.records...),
		revs:    append([]uint64(nil), s.revs...),
	}
}

// Insert appends rec and returns its id. Duplicate begins are dropped and
// report the existing id.
func (s *State) Insert(rec Record) (HistoryID, error) {
	m, err := s.Apply(Insert{Record: rec})
	return m.ID, err
}

// Replace swaps the record with id.
func (s *State) Replace(id HistoryID, rec Record) error {
	_, err := s.Apply(Replace{ID: id, Record: rec})
	return err
}

// Remove retracts the record with id.
func (s *State) Remove(id HistoryID) error {
	_, err := s.Apply(Remove{ID: id})
	return err
}

// Apply applies one Domain Event. Stale events return a Noop mutation with
// Stale set and a nil error; desyncs return an error and leave state untouched.
func (s *State) Apply(ev Event) (Mutation, error) {
	if ev == nil {
		return Mutation{}, fmt.Errorf("history: nil event")
	}
	start := time.Now()
	m, err := s.dispatch(ev)
	observeApply(ev.EventName(), m, err, time.Since(start))
	switch {
	case err != nil:
		s.log.WithField("event", ev.EventName()).Warnf("rejected event: %v", err)
	case m.Stale:
		s.log.WithField("event", ev.EventName()).Debug("dropped stale event")
	case m.Kind != MutationNoop:
		s.version++
	}
	if !s.aligned() {
		s.log.WithField("event", ev.EventName()).Errorf("index length mismatch after apply; rebuilding")
		s.rebuild()
	}
	recordsGauge.Set(float64(len(s.records)))
	return m, err
}

// Stamp fills the zero timestamps of ev from the state clock. Applying the
// stamped event gives the same result as applying ev, and a recorder that
// keeps the stamped form replays identically under any clock.
func (s *State) Stamp(ev Event) Event {
	var now time.Time
	fill := func(t *time.Time) {
		if !t.IsZero() {
			return
		}
		if now.IsZero() {
			now = s.now()
		}
		*t = now
	}
	switch e := ev.(type) {
	case ExecBegin:
		fill(&e.StartedAt)
		return e
	case ExecWait:
		if e.Note != nil {
			note := *e.Note
			fill(&note.Timestamp)
			e.Note = &note
		}
		return e
	case ExecEnd:
		fill(&e.CompletedAt)
		return e
	case ToolBegin:
		fill(&e.StartedAt)
		return e
	case ToolEnd:
		fill(&e.CompletedAt)
		return e
	case StreamDelta:
		fill(&e.ReceivedAt)
		return e
	case StreamFinalize:
		fill(&e.At)
		return e
	case Interrupt:
		fill(&e.At)
		return e
	default:
		return ev
	}
}

func (s *State) dispatch(ev Event) (Mutation, error) {
	switch e := ev.(type) {
	case Insert:
		return s.applyInsert(e.Record)
	case Replace:
		return s.applyReplace(e)
	case Remove:
		return s.applyRemove(e.ID)
	case ExecBegin:
		return s.applyExecBegin(e)
	case ExecOutput:
		return s.applyExecOutput(e)
	case ExecWait:
		return s.applyExecWait(e)
	case ExecEnd:
		return s.applyExecEnd(e)
	case ToolBegin:
		return s.applyToolBegin(e)
	case ToolEnd:
		return s.applyToolEnd(e)
	case StreamDelta:
		return s.applyStreamDelta(e)
	case StreamFinalize:
		return s.applyStreamFinalize(e)
	case Interrupt:
		return s.applyInterrupt(e)
	case Truncate:
		return s.applyTruncate(e)
	default:
		return Mutation{}, fmt.Errorf("history: unsupported event %T", ev)
	}
}

func (s *State) applyInsert(rec Record) (Mutation, error) {
	if rec == nil {
		return Mutation{}, ErrNilRecord
	}
	rec = normalize(rec.clone())
	if kind, key, ok := liveKey(rec); ok {
		if id, exists := s.lookups[kind][key]; exists {
			return s.stale(id), nil
		}
		if id, exists := s.retired[retiredKey{kind, key}]; exists {
			return s.stale(id), nil
		}
	} else if kind, key, ok := retiredKeyOf(rec); ok {
		if id, exists := s.retired[retiredKey{kind, key}]; exists {
			return s.stale(id), nil
		}
	}
	id, idx := s.appendRecord(rec)
	return Mutation{Kind: MutationInserted, ID: id, Index: idx, Changed: []HistoryID{id}}, nil
}

func (s *State) applyReplace(e Replace) (Mutation, error) {
	if e.Record == nil {
		return Mutation{}, ErrNilRecord
	}
	idx, ok := s.index[e.ID]
	if !ok {
		return Mutation{}, fmt.Errorf("replace %d: %w", e.ID, ErrUnknownID)
	}
	rec := normalize(e.Record.clone())
	if kind, key, live := liveKey(rec); live {
		if owner, exists := s.lookups[kind][key]; exists && owner != e.ID {
			return Mutation{}, fmt.Errorf("replace %d: %s %q is running as %d: %w", e.ID, kind, key, owner, ErrKeyInUse)
		}
	}
	s.setRecord(idx, rec)
	return s.replaced(idx), nil
}

func (s *State) applyRemove(id HistoryID) (Mutation, error) {
	idx, ok := s.index[id]
	if !ok {
		return Mutation{}, fmt.Errorf("remove %d: %w", id, ErrUnknownID)
	}
	s.removeAt(idx)
	return Mutation{Kind: MutationRemoved, ID: id, Index: idx, Removed: []HistoryID{id}}, nil
}

func (s *State) stale(id HistoryID) Mutation {
	idx, ok := s.index[id]
	if !ok {
		idx = -1
	}
	return Mutation{Kind: MutationNoop, ID: id, Index: idx, Stale: true}
}

func (s *State) replaced(idx int) Mutation {
	id := s.ids[idx]
	return Mutation{Kind: MutationReplaced, ID: id, Index: idx, Changed: []HistoryID{id}}
}

// resolve finds the record an event addresses. found=false with a nil error
// means the key is retired (the event is stale); retiredID is then set.
func (s *State) resolve(t Target, kind lookupKind) (idx int, retiredID HistoryID, found bool, err error) {
	if t.ID != nil {
		i, ok := s.index[*t.ID]
		if !ok {
			return -1, 0, false, fmt.Errorf("%s target %d: %w", kind, *t.ID, ErrUnknownID)
		}
		return i, 0, true, nil
	}
	key := t.CallID
	if kind == lookupStream {
		key = t.StreamID
	}
	if key != "" {
		if id, ok := s.lookups[kind][key]; ok {
			if i, ok := s.index[id]; ok {
				if k, lk, live := liveKey(s.records[i]); live && k == kind && lk == key {
					return i, 0, true, nil
				}
			}
			// The lookup is a relation, not ownership; drop it if it went stale.
			delete(s.lookups[kind], key)
		}
		if id, ok := s.retired[retiredKey{kind, key}]; ok {
			return -1, id, false, nil
		}
	}
	match := -1
	for i := len(s.records) - 1; i >= 0; i-- {
		k, lk, live := liveKey(s.records[i])
		if !live && !isKeylessRunning(s.records[i], kind) {
			continue
		}
		if live && (k != kind || (key != "" && lk != key)) {
			continue
		}
		if match != -1 {
			return -1, 0, false, fmt.Errorf("%s target %q is ambiguous: %w", kind, key, ErrUnknownTarget)
		}
		match = i
	}
	if match == -1 {
		return -1, 0, false, fmt.Errorf("%s target %q: %w", kind, key, ErrUnknownTarget)
	}
	return match, 0, true, nil
}

func (s *State) appendRecord(rec Record) (HistoryID, int) {
	id := s.nextID
	s.nextID++
	idx := len(s.records)
	s.records = append(s.records, rec)
	s.ids = append(s.ids, id)
	s.revs = append(s.revs, s.bump())
	s.index[id] = idx
	s.register(rec, id)
	return id, idx
}

func (s *State) setRecord(idx int, rec Record) {
	id := s.ids[idx]
	s.unregister(s.records[idx], id)
	s.records[idx] = rec
	s.revs[idx] = s.bump()
	s.register(rec, id)
}

func (s *State) removeAt(idx int) {
	id := s.ids[idx]
	s.unregister(s.records[idx], id)
	s.records = append(s.records[:idx:idx], s.records[idx+1:]...)
	s.ids = append(s.ids[:idx:idx], s.ids[idx+1:]...)
	s.revs = append(s.revs[:idx:idx], s.revs[idx+1:]...)
	delete(s.index, id)
	for i := idx; i < len(s.ids); i++ {
		s.index[s.ids[i]] = i
	}
}

func (s *State) bump() uint64 {
	s.revision++
	return s.revision
}

func (s *State) register(rec Record, id HistoryID) {
	if kind, key, ok := liveKey(rec); ok {
		s.lookups[kind][key] = id
		return
	}
	if kind, key, ok := retiredKeyOf(rec); ok {
		s.retired[retiredKey{kind, key}] = id
	}
}

// unregister only drops entries that still point at id.
func (s *State) unregister(rec Record, id HistoryID) {
	if kind, key, ok := liveKey(rec); ok {
		if cur, exists := s.lookups[kind][key]; exists && cur == id {
			delete(s.lookups[kind], key)
		}
		return
	}
	if kind, key, ok := retiredKeyOf(rec); ok {
		rk := retiredKey{kind, key}
		if cur, exists := s.retired[rk]; exists && cur == id {
			delete(s.retired, rk)
		}
	}
}

func (s *State) aligned() bool {
	n := len(s.records)
	return len(s.ids) == n && len(s.revs) == n && len(s.index) == n
}

// rebuild reconstructs every derived index from the record list. Records whose
// id breaks the strictly increasing order are dropped.
func (s *State) rebuild() {
	rebuildsTotal.Inc()
	n := min(len(s.records), len(s.ids))
	records := make([]Record, 0, n)
	ids := make([]HistoryID, 0, n)
	for i := 0; i < n; i++ {
		if s.records[i] == nil || (len(ids) > 0 && s.ids[i] <= ids[len(ids)-1]) {
			continue
		}
		records = append(records, s.records[i])
		ids = append(ids, s.ids[i])
	}
	s.records = records
	s.ids = ids
	s.revs = make([]uint64, len(ids))
	for i := range s.revs {
		s.revs[i] = s.bump()
	}
	if len(ids) > 0 && s.nextID <= ids[len(ids)-1] {
		s.nextID = ids[len(ids)-1] + 1
	}
	s.rebuildIndexes()
	s.version++
}

func (s *State) rebuildIndexes() {
	s.index = make(map[HistoryID]int, len(s.ids))
	for i, id := range s.ids {
		s.index[id] = i
	}
	for i := range s.lookups {
		s.lookups[i] = make(map[string]HistoryID)
	}
	s.retired = make(map[retiredKey]HistoryID)
	for i, rec := range s.records {
		s.register(rec, s.ids[i])
	}
}

// CheckInvariants verifies the structural invariants of the store.
func (s *State) CheckInvariants() error {
	if !s.aligned() {
		return fmt.Errorf("%w: records=%d ids=%d revs=%d index=%d",
			ErrInvariant, len(s.records), len(s.ids), len(s.revs), len(s.index))
	}
	for i, id := range s.ids {
		if i > 0 && id <= s.ids[i-1] {
			return fmt.Errorf("%w: id %d follows %d", ErrInvariant, id, s.ids[i-1])
		}
		if s.index[id] != i {
			return fmt.Errorf("%w: index[%d]=%d, want %d", ErrInvariant, id, s.index[id], i)
		}
		if s.records[i] == nil {
			return fmt.Errorf("%w: nil record at %d", ErrInvariant, i)
		}
	}
	if n := len(s.ids); n > 0 && s.nextID <= s.ids[n-1] {
		return fmt.Errorf("%w: next id %d not above %d", ErrInvariant, s.nextID, s.ids[n-1])
	}
	for k, table := range s.lookups {
		kind := lookupKind(k)
		for key, id := range table {
			idx, ok := s.index[id]
			if !ok {
				return fmt.Errorf("%w: %s lookup %q points at missing id %d", ErrInvariant, kind, key, id)
			}
			lk, lkey, live := liveKey(s.records[idx])
			if !live || lk != kind || lkey != key {
				return fmt.Errorf("%w: %s lookup %q points at terminal record %d", ErrInvariant, kind, key, id)
			}
		}
	}
	for i, rec := range s.records {
		kind, key, live := liveKey(rec)
		if !live {
			continue
		}
		if owner, ok := s.lookups[kind][key]; !ok || owner != s.ids[i] {
			return fmt.Errorf("%w: running %s %q at %d is unreachable by key", ErrInvariant, kind, key, s.ids[i])
		}
	}
	return nil
}

// normalize fills defaults that decide lookup membership.
func normalize(rec Record) Record {
	switch r := rec.(type) {
	case Exec:
		if r.Status == "" {
			r.Status = ExecRunning
		}
		if r.Action == "" {
			r.Action = ActionRun
		}
		return r
	case AssistantStream:
		r.InProgress = true
		return r
	case ToolCall:
		if r.Status == "" {
			r.Status = ToolSuccess
		}
		return r
	default:
		return rec
	}
}

// liveKey reports the running lookup a record belongs in.
func liveKey(rec Record) (lookupKind, string, bool) {
	switch r := rec.(type) {
	case Exec:
		if r.Status == ExecRunning && r.CallID != "" {
			return lookupExec, r.CallID, true
		}
	case RunningTool:
		if r.CallID != "" {
			return lookupTool, r.CallID, true
		}
	case AssistantStream:
		if r.StreamID != "" {
			return lookupStream, r.StreamID, true
		}
	}
	return 0, "", false
}

// retiredKeyOf reports the key a terminal record retires.
func retiredKeyOf(rec Record) (lookupKind, string, bool) {
	switch r := rec.(type) {
	case Exec:
		if r.Status != ExecRunning && r.CallID != "" {
			return lookupExec, r.CallID, true
		}
	case ToolCall:
		if r.CallID != "" {
			return lookupTool, r.CallID, true
		}
	case AssistantMessage:
		if r.StreamID != "" {
			return lookupStream, r.StreamID, true
		}
	}
	return 0, "", false
}

// isKeylessRunning matches running records that never got a key, for the
// last-resort scan.
func isKeylessRunning(rec Record, kind lookupKind) bool {
	switch r := rec.(type) {
	case Exec:
		return kind == lookupExec && r.Status == ExecRunning && r.CallID == ""
	case RunningTool:
		return kind == lookupTool && r.CallID == ""
	case AssistantStream:
		return kind == lookupStream && r.StreamID == ""
	}
	return false
}

// IsTerminal reports whether rec can no longer receive lifecycle events.
func IsTerminal(rec Record) bool {
	switch r := rec.(type) {
	case Exec:
		return r.Status != ExecRunning
	case RunningTool, AssistantStream, Loading, WaitStatus:
		return false
	case Reasoning:
		return !r.InProgress
	default:
		return true
	}
}
