package history

import "sort"

// View is an immutable, ordered read view of the transcript taken at one
// version. Records handed out by View are copies.
type View struct {
	version uint64
	ids     []HistoryID
	records []Record
	revs    []uint64
}

// Version is the state version the view was taken at.
func (v View) Version() uint64 { return v.version }

func (v View) Len() int { return len(v.ids) }

func (v View) ID(i int) HistoryID { return v.ids[i] }

// Revision changes whenever the record at i changes.
func (v View) Revision(i int) uint64 { return v.revs[i] }

func (v View) Kind(i int) RecordKind { return v.records[i].Kind() }

// Record returns a copy of the record at position i.
func (v View) Record(i int) Record { return Clone(v.records[i]) }

// IDs returns a copy of the ordered ids.
func (v View) IDs() []HistoryID { return append([]HistoryID(nil), v.ids...) }

// IndexOf finds the position of id.
func (v View) IndexOf(id HistoryID) (int, bool) {
	i := sort.Search(len(v.ids), func(i int) bool { return v.ids[i] >= id })
	if i < len(v.ids) && v.ids[i] == id {
		return i, true
	}
	return -1, false
}

// ExecGroup is a read-time aggregation of adjacent Exec records sharing a
// GroupID. A lone exec forms a group of one. The stored records are untouched.
type ExecGroup struct {
	Start, End int
	GroupID    string
}

// Len is the number of records in the group.
func (g ExecGroup) Len() int { return g.End - g.Start }

// GroupAt returns the exec group containing position i. ok is false when the
// record at i is not an Exec.
func (v View) GroupAt(i int) (ExecGroup, bool) {
	ex, ok := v.records[i].(Exec)
	if !ok {
		return ExecGroup{}, false
	}
	if ex.GroupID == "" {
		return ExecGroup{Start: i, End: i + 1}, true
	}
	start, end := i, i+1
	for start > 0 && v.groupOf(start-1) == ex.GroupID {
		start--
	}
	for end < len(v.records) && v.groupOf(end) == ex.GroupID {
		end++
	}
	return ExecGroup{Start: start, End: end, GroupID: ex.GroupID}, true
}

func (v View) groupOf(i int) string {
	if ex, ok := v.records[i].(Exec); ok {
		return ex.GroupID
	}
	return ""
}

// MergedExec is the presentation of an ExecGroup: the member records in order.
type MergedExec struct {
	IDs   []HistoryID
	Execs []Exec
}

// Merge materializes group g.
func (v View) Merge(g ExecGroup) MergedExec {
	m := MergedExec{}
	for i := g.Start; i < g.End; i++ {
		if ex, ok := v.records[i].(Exec); ok {
			m.IDs = append(m.IDs, v.ids[i])
			m.Execs = append(m.Execs, ex.clone().(Exec))
		}
	}
	return m
}

// GroupExecs walks the view and returns every multi-record exec group.
func (v View) GroupExecs() []ExecGroup {
	var out []ExecGroup
	for i := 0; i < len(v.records); {
		g, ok := v.GroupAt(i)
		if !ok {
			i++
			continue
		}
		if g.Len() > 1 {
			out = append(out, g)
		}
		i = g.End
	}
	return out
}
