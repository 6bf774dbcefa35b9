package history

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Snapshot is a plain, serializable copy of the store state.
type Snapshot struct {
	Records        []Entry              `json:"records"`
	NextID         HistoryID            `json:"next_id"`
	ExecCallLookup map[string]HistoryID `json:"exec_call_lookup"`
	ToolCallLookup map[string]HistoryID `json:"tool_call_lookup"`
	StreamLookup   map[string]HistoryID `json:"stream_lookup"`
}

// MarshalSnapshot encodes snap as indented JSON.
func MarshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// UnmarshalSnapshot decodes a snapshot written by MarshalSnapshot (or any
// compatible writer).
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Records:        make([]Entry, len(s.records)),
		NextID:         s.nextID,
		ExecCallLookup: maps.Clone(s.lookups[lookupExec]),
		ToolCallLookup: maps.Clone(s.lookups[lookupTool]),
		StreamLookup:   maps.Clone(s.lookups[lookupStream]),
	}
	for i, rec := range s.records {
		snap.Records[i] = Entry{ID: s.ids[i], Record: rec.clone()}
	}
	return snap
}

// Restore atomically replaces the state with snap. Lookup tables are derived
// from the records; saved tables that disagree are logged and ignored.
func (s *State) Restore(snap Snapshot) (Mutation, error) {
	records := make([]Record, len(snap.Records))
	ids := make([]HistoryID, len(snap.Records))
	running := make(map[retiredKey]HistoryID)
	for i, entry := range snap.Records {
		if entry.Record == nil {
			return Mutation{}, fmt.Errorf("%w: nil record at %d", ErrCorruptSnapshot, i)
		}
		if i > 0 && entry.ID <= ids[i-1] {
			return Mutation{}, fmt.Errorf("%w: id %d follows %d", ErrCorruptSnapshot, entry.ID, ids[i-1])
		}
		records[i] = normalize(entry.Record.clone())
		ids[i] = entry.ID
		if kind, key, live := liveKey(records[i]); live {
			lk := retiredKey{kind, key}
			if prev, dup := running[lk]; dup {
				return Mutation{}, fmt.Errorf("%w: %s %q running as both %d and %d", ErrCorruptSnapshot, kind, key, prev, entry.ID)
			}
			running[lk] = entry.ID
		}
	}

	removed := s.ids
	s.records = records
	s.ids = ids
	s.revs = make([]uint64, len(ids))
	for i := range s.revs {
		s.revs[i] = s.bump()
	}
	s.nextID = snap.NextID
	if n := len(ids); n > 0 && s.nextID <= ids[n-1] {
		s.nextID = ids[n-1] + 1
	}
	s.rebuildIndexes()
	s.version++
	recordsGauge.Set(float64(len(s.records)))

	if !lookupsEqual(snap.ExecCallLookup, s.lookups[lookupExec]) ||
		!lookupsEqual(snap.ToolCallLookup, s.lookups[lookupTool]) ||
		!lookupsEqual(snap.StreamLookup, s.lookups[lookupStream]) {
		s.log.Warn("snapshot lookup tables disagree with records; rebuilt from records")
	}
	return Mutation{Kind: MutationRestored, Index: -1, Changed: s.IDs(), Removed: removed}, nil
}

func lookupsEqual(saved, derived map[string]HistoryID) bool {
	if len(saved) != len(derived) {
		return false
	}
	for k, v := range saved {
		if d, ok := derived[k]; !ok || d != v {
			return false
		}
	}
	return true
}

// TruncateAfter drops every record with an id greater than id. The id
// counter is not rewound, so truncated ids are never handed out again.
func (s *State) TruncateAfter(id HistoryID) (Mutation, error) {
	return s.Apply(Truncate{After: &id})
}

// Clear drops every record.
func (s *State) Clear() Mutation {
	m, _ := s.Apply(Truncate{})
	return m
}

func (s *State) applyTruncate(e Truncate) (Mutation, error) {
	n := 0
	if e.After != nil {
		idx, ok := s.index[*e.After]
		if !ok {
			return Mutation{}, fmt.Errorf("truncate after %d: %w", *e.After, ErrUnknownID)
		}
		n = idx + 1
	}
	if n >= len(s.records) {
		return Mutation{Kind: MutationNoop, Index: n}, nil
	}
	removed := append([]HistoryID(nil), s.ids[n:]...)
	s.records = s.records[:n:n]
	s.ids = s.ids[:n:n]
	s.revs = s.revs[:n:n]
	s.rebuildIndexes()
	return Mutation{Kind: MutationTruncated, Index: n, Removed: removed}, nil
}
