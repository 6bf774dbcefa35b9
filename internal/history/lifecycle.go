package history

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

func (s *State) applyExecBegin(e ExecBegin) (Mutation, error) {
	started := e.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	action := e.Action
	if action == "" {
		action = ActionRun
	}
	return s.applyInsert(Exec{
		CallID:     e.CallID,
		Command:    e.Command,
		Parsed:     e.Parsed,
		Action:     action,
		Status:     ExecRunning,
		StartedAt:  started,
		WorkingDir: e.WorkingDir,
		Env:        e.Env,
		Tags:       e.Tags,
		GroupID:    e.GroupID,
	})
}

// runningExec resolves t to a running Exec. A stale target yields a non-nil
// Mutation instead of an index.
func (s *State) runningExec(t Target) (int, Exec, *Mutation, error) {
	idx, retiredID, found, err := s.resolve(t, lookupExec)
	if err != nil {
		return -1, Exec{}, nil, err
	}
	if !found {
		m := s.stale(retiredID)
		return -1, Exec{}, &m, nil
	}
	ex, ok := s.records[idx].(Exec)
	if !ok {
		return -1, Exec{}, nil, fmt.Errorf("exec target %d is %s: %w", s.ids[idx], s.records[idx].Kind(), ErrKindMismatch)
	}
	if ex.Status != ExecRunning {
		m := s.stale(s.ids[idx])
		return -1, Exec{}, &m, nil
	}
	return idx, ex, nil, nil
}

func (s *State) applyExecOutput(e ExecOutput) (Mutation, error) {
	idx, ex, stale, err := s.runningExec(e.Target)
	if err != nil || stale != nil {
		return deref(stale), err
	}
	if e.Chunk.Content == "" {
		return Mutation{Kind: MutationNoop, ID: s.ids[idx], Index: idx}, nil
	}
	log := &ex.Stdout
	if e.Stream == Stderr {
		log = &ex.Stderr
	}
	end := StreamLen(*log)
	offset := e.Chunk.Offset
	if offset < 0 {
		offset = end
	}
	if offset < end {
		// Replayed chunk; the log already covers this offset.
		return s.stale(s.ids[idx]), nil
	}
	*log = append(*log, ExecChunk{Offset: offset, Content: e.Chunk.Content})
	s.setRecord(idx, ex)
	return s.replaced(idx), nil
}

func (s *State) applyExecWait(e ExecWait) (Mutation, error) {
	idx, ex, stale, err := s.runningExec(e.Target)
	if err != nil || stale != nil {
		return deref(stale), err
	}
	if e.TotalMs > ex.WaitTotalMs {
		ex.WaitTotalMs = e.TotalMs
	}
	ex.WaitActive = e.Active
	if e.Note != nil {
		note := *e.Note
		if note.Timestamp.IsZero() {
			note.Timestamp = s.now()
		}
		ex.WaitNotes = append(ex.WaitNotes, note)
	}
	s.setRecord(idx, ex)
	return s.replaced(idx), nil
}

func (s *State) applyExecEnd(e ExecEnd) (Mutation, error) {
	idx, ex, stale, err := s.runningExec(e.Target)
	if err != nil || stale != nil {
		return deref(stale), err
	}
	status := e.Status
	if status == "" || status == ExecRunning {
		status = ExecSuccess
		if e.ExitCode != nil && *e.ExitCode != 0 {
			status = ExecError
		}
	}
	if e.StdoutTail != "" {
		ex.Stdout = append(ex.Stdout, ExecChunk{Offset: StreamLen(ex.Stdout), Content: e.StdoutTail})
	}
	if e.StderrTail != "" {
		ex.Stderr = append(ex.Stderr, ExecChunk{Offset: StreamLen(ex.Stderr), Content: e.StderrTail})
	}
	completed := e.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	ex.Status = status
	ex.ExitCode = cloneInt(e.ExitCode)
	ex.CompletedAt = &completed
	ex.WaitActive = false
	s.setRecord(idx, ex)
	return s.replaced(idx), nil
}

func (s *State) applyToolBegin(e ToolBegin) (Mutation, error) {
	started := e.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	return s.applyInsert(RunningTool{
		CallID:    e.CallID,
		Title:     e.Title,
		Arguments: e.Arguments,
		StartedAt: started,
		WaitCapMs: e.WaitCapMs,
	})
}

func (s *State) applyToolEnd(e ToolEnd) (Mutation, error) {
	idx, retiredID, found, err := s.resolve(e.Target, lookupTool)
	if err != nil {
		return Mutation{}, err
	}
	if !found {
		return s.stale(retiredID), nil
	}
	var running RunningTool
	switch r := s.records[idx].(type) {
	case RunningTool:
		running = r
	case ToolCall:
		return s.stale(s.ids[idx]), nil
	default:
		return Mutation{}, fmt.Errorf("tool target %d is %s: %w", s.ids[idx], r.Kind(), ErrKindMismatch)
	}
	status := e.Status
	if status == "" || status == ToolRunning {
		status = ToolSuccess
		if e.Error != "" {
			status = ToolFailed
		}
	}
	duration := e.DurationMs
	if duration == 0 && !running.StartedAt.IsZero() {
		completed := e.CompletedAt
		if completed.IsZero() {
			completed = s.now()
		}
		if d := completed.Sub(running.StartedAt); d > 0 {
			duration = d.Milliseconds()
		}
	}
	call := ToolCall{
		CallID:     running.CallID,
		Title:      running.Title,
		Status:     status,
		Arguments:  running.Arguments,
		DurationMs: duration,
		Error:      e.Error,
	}
	if e.ResultPreview != nil {
		p := *e.ResultPreview
		p.Lines = slices.Clone(p.Lines)
		call.ResultPreview = &p
	}
	s.setRecord(idx, call)
	return s.replaced(idx), nil
}

func (s *State) applyStreamDelta(e StreamDelta) (Mutation, error) {
	if e.StreamID == "" {
		return Mutation{}, fmt.Errorf("stream delta without stream id: %w", ErrUnknownTarget)
	}
	received := e.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	delta := AssistantDelta{Delta: e.Delta, ReceivedAt: received}
	if e.Sequence != nil {
		seq := *e.Sequence
		delta.Sequence = &seq
	}

	id, live := s.lookups[lookupStream][e.StreamID]
	if !live {
		if rid, retired := s.retired[retiredKey{lookupStream, e.StreamID}]; retired {
			return s.stale(rid), nil
		}
		stream := AssistantStream{
			StreamID:      e.StreamID,
			Preview:       e.Delta,
			Deltas:        []AssistantDelta{delta},
			Citations:     slices.Clone(e.Citations),
			Metadata:      e.Metadata.clone(),
			InProgress:    true,
			LastSequence:  delta.Sequence,
			LastUpdatedAt: received,
		}
		newID, idx := s.appendRecord(stream)
		return Mutation{Kind: MutationInserted, ID: newID, Index: idx, Changed: []HistoryID{newID}}, nil
	}

	idx := s.index[id]
	stream, ok := s.records[idx].(AssistantStream)
	if !ok {
		return Mutation{}, fmt.Errorf("stream %q target %d is %s: %w", e.StreamID, id, s.records[idx].Kind(), ErrKindMismatch)
	}
	if delta.Sequence != nil && stream.LastSequence != nil && *delta.Sequence <= *stream.LastSequence {
		return s.stale(id), nil
	}
	stream.Preview += e.Delta
	stream.Deltas = append(stream.Deltas, delta)
	if delta.Sequence != nil {
		stream.LastSequence = delta.Sequence
	}
	stream.Citations = mergeCitations(stream.Citations, e.Citations)
	if e.Metadata != nil {
		stream.Metadata = e.Metadata.clone()
	}
	stream.LastUpdatedAt = received
	s.setRecord(idx, stream)
	return s.replaced(idx), nil
}

func (s *State) applyStreamFinalize(e StreamFinalize) (Mutation, error) {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	idx, retiredID, found, err := s.resolve(e.Target, lookupStream)
	switch {
	case err != nil && e.Target.ID == nil && e.Target.StreamID != "":
		// A response that never streamed is finalized directly.
		return s.applyInsert(s.finalMessage(AssistantStream{StreamID: e.Target.StreamID}, e, at))
	case err != nil:
		return Mutation{}, err
	case !found:
		return s.stale(retiredID), nil
	}
	switch r := s.records[idx].(type) {
	case AssistantStream:
		s.setRecord(idx, s.finalMessage(r, e, at))
		return s.replaced(idx), nil
	case AssistantMessage:
		return s.stale(s.ids[idx]), nil
	default:
		return Mutation{}, fmt.Errorf("stream target %d is %s: %w", s.ids[idx], r.Kind(), ErrKindMismatch)
	}
}

// finalMessage carries deltas, citations and metadata of the stream forward.
func (s *State) finalMessage(stream AssistantStream, e StreamFinalize, at time.Time) AssistantMessage {
	markdown := e.Markdown
	if markdown == "" {
		markdown = stream.Preview
	}
	meta := stream.Metadata
	if e.Metadata != nil {
		meta = e.Metadata
	}
	usage := e.TokenUsage
	if usage == nil && meta != nil {
		usage = meta.TokenUsage
	}
	msg := AssistantMessage{
		StreamID:  stream.StreamID,
		Markdown:  markdown,
		Citations: mergeCitations(slices.Clone(stream.Citations), e.Citations),
		Metadata:  meta.clone(),
		Deltas:    stream.Deltas,
		CreatedAt: at,
	}
	if meta != nil && len(meta.Citations) > 0 {
		msg.Citations = mergeCitations(msg.Citations, meta.Citations)
	}
	if usage != nil {
		u := *usage
		msg.TokenUsage = &u
	}
	return msg
}

func (s *State) applyInterrupt(e Interrupt) (Mutation, error) {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "interrupted"
	}
	owns := func(keys []string, key string) bool {
		return !e.Scoped() || slices.Contains(keys, key)
	}
	var changed, removed []HistoryID
	var drop []int
	for idx, rec := range s.records {
		id := s.ids[idx]
		switch r := rec.(type) {
		case Exec:
			if r.Status != ExecRunning || !owns(e.Calls, r.CallID) {
				continue
			}
			r.Status = ExecError
			r.WaitActive = false
			r.CompletedAt = &at
			r.WaitNotes = append(r.WaitNotes, ExecWaitNote{Message: reason, Tone: ToneWarning, Timestamp: at})
			s.setRecord(idx, r)
		case RunningTool:
			if !owns(e.Calls, r.CallID) {
				continue
			}
			var duration int64
			if !r.StartedAt.IsZero() && at.After(r.StartedAt) {
				duration = at.Sub(r.StartedAt).Milliseconds()
			}
			s.setRecord(idx, ToolCall{
				CallID:     r.CallID,
				Title:      r.Title,
				Status:     ToolFailed,
				Arguments:  r.Arguments,
				DurationMs: duration,
				Error:      reason,
			})
		case AssistantStream:
			if !owns(e.Streams, r.StreamID) {
				continue
			}
			s.setRecord(idx, s.finalMessage(r, StreamFinalize{}, at))
		case Reasoning:
			if !r.InProgress {
				continue
			}
			r.InProgress = false
			s.setRecord(idx, r)
		case Loading, WaitStatus:
			drop = append(drop, idx)
			continue
		default:
			continue
		}
		changed = append(changed, id)
	}
	for i := len(drop) - 1; i >= 0; i-- {
		removed = append(removed, s.ids[drop[i]])
		s.removeAt(drop[i])
	}
	if len(changed) == 0 && len(removed) == 0 {
		return Mutation{Kind: MutationNoop, Index: -1}, nil
	}
	return Mutation{Kind: MutationBulk, Index: -1, Changed: changed, Removed: removed}, nil
}

func mergeCitations(base, extra []string) []string {
	for _, c := range extra {
		if !slices.Contains(base, c) {
			base = append(base, c)
		}
	}
	return base
}

func deref(m *Mutation) Mutation {
	if m == nil {
		return Mutation{}
	}
	return *m
}
