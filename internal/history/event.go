package history

import "time"

// Event is a Domain Event: the only way to change the store. The set is closed.
type Event interface {
	EventName() string
	isEvent()
}

// Target addresses an existing record. Resolution tries ID, then the call or
// stream lookup, then a scan for a single running record of the right kind.
type Target struct {
	ID       *HistoryID `json:"id,omitempty"`
	CallID   string     `json:"call_id,omitempty"`
	StreamID string     `json:"stream_id,omitempty"`
}

// ByID targets a record by its HistoryID.
func ByID(id HistoryID) Target { return Target{ID: &id} }

// ByCall targets a running exec or tool by call id.
func ByCall(callID string) Target { return Target{CallID: callID} }

// ByStream targets an assistant stream by stream id.
func ByStream(streamID string) Target { return Target{StreamID: streamID} }

// Insert appends Record at the end of the transcript.
type Insert struct {
	Record Record `json:"-"`
}

// Replace swaps the payload of an existing record, keeping its id and position.
type Replace struct {
	ID     HistoryID `json:"id"`
	Record Record    `json:"-"`
}

// Remove retracts a record.
type Remove struct {
	ID HistoryID `json:"id"`
}

// ExecBegin starts a running Exec record.
type ExecBegin struct {
	CallID     string            `json:"call_id"`
	Command    []string          `json:"command,omitempty"`
	Parsed     []ParsedCommand   `json:"parsed,omitempty"`
	Action     ExecAction        `json:"action,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
}

// OutputStream selects an exec log.
type OutputStream string

const (
	Stdout OutputStream = "stdout"
	Stderr OutputStream = "stderr"
)

// ExecOutput appends a chunk to a running exec. A negative Chunk.Offset means
// "at the current end of the log".
type ExecOutput struct {
	Target Target       `json:"target"`
	Stream OutputStream `json:"stream"`
	Chunk  ExecChunk    `json:"chunk"`
}

// ExecWait updates the wait annotation of a running exec without changing its status.
type ExecWait struct {
	Target  Target        `json:"target"`
	TotalMs int64         `json:"total_ms,omitempty"`
	Active  bool          `json:"active,omitempty"`
	Note    *ExecWaitNote `json:"note,omitempty"`
}

// ExecEnd moves a running exec to Success or Error. Tails are appended at the
// current end of each log when non-empty.
type ExecEnd struct {
	Target      Target     `json:"target"`
	Status      ExecStatus `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
	StdoutTail  string     `json:"stdout_tail,omitempty"`
	StderrTail  string     `json:"stderr_tail,omitempty"`
}

// ToolBegin starts a RunningTool record.
type ToolBegin struct {
	CallID    string         `json:"call_id"`
	Title     string         `json:"title,omitempty"`
	Arguments []ToolArgument `json:"arguments,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	WaitCapMs int64          `json:"wait_cap_ms,omitempty"`
}

// ToolEnd turns a RunningTool into a ToolCall with the same id.
type ToolEnd struct {
	Target        Target             `json:"target"`
	Status        ToolStatus         `json:"status"`
	DurationMs    int64              `json:"duration_ms,omitempty"`
	CompletedAt   time.Time          `json:"completed_at"`
	ResultPreview *ToolResultPreview `json:"result_preview,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// StreamDelta appends a fragment to an assistant stream, creating the stream
// record on first use.
type StreamDelta struct {
	StreamID   string           `json:"stream_id"`
	Delta      string           `json:"delta"`
	Sequence   *uint64          `json:"sequence,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
	Citations  []string         `json:"citations,omitempty"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
}

// StreamFinalize turns an AssistantStream into an AssistantMessage in place.
// An empty Markdown keeps the accumulated preview.
type StreamFinalize struct {
	Target     Target           `json:"target"`
	Markdown   string           `json:"markdown,omitempty"`
	Citations  []string         `json:"citations,omitempty"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
	TokenUsage *TokenUsage      `json:"token_usage,omitempty"`
	At         time.Time        `json:"at"`
}

// Interrupt settles what an aborted turn left in flight. Streams and Calls
// name the records the turn started; when both are empty every running record
// is settled. Keyless ephemeral rows (Loading, WaitStatus, open Reasoning) are
// always closed.
type Interrupt struct {
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	Streams []string  `json:"streams,omitempty"`
	Calls   []string  `json:"calls,omitempty"`
}

// Scoped reports whether the interrupt is limited to named keys.
func (e Interrupt) Scoped() bool { return len(e.Streams) > 0 || len(e.Calls) > 0 }

// Truncate drops every record after After; a nil After drops everything.
// The id counter is not rewound.
type Truncate struct {
	After *HistoryID `json:"after,omitempty"`
}

func (Insert) EventName() string         { return "insert" }
func (Replace) EventName() string        { return "replace" }
func (Remove) EventName() string         { return "remove" }
func (ExecBegin) EventName() string      { return "exec_begin" }
func (ExecOutput) EventName() string     { return "exec_output" }
func (ExecWait) EventName() string       { return "exec_wait" }
func (ExecEnd) EventName() string        { return "exec_end" }
func (ToolBegin) EventName() string      { return "tool_begin" }
func (ToolEnd) EventName() string        { return "tool_end" }
func (StreamDelta) EventName() string    { return "stream_delta" }
func (StreamFinalize) EventName() string { return "stream_finalize" }
func (Interrupt) EventName() string      { return "interrupt" }
func (Truncate) EventName() string       { return "truncate" }

func (Insert) isEvent()         {}
func (Replace) isEvent()        {}
func (Remove) isEvent()         {}
func (ExecBegin) isEvent()      {}
func (ExecOutput) isEvent()     {}
func (ExecWait) isEvent()       {}
func (ExecEnd) isEvent()        {}
func (ToolBegin) isEvent()      {}
func (ToolEnd) isEvent()        {}
func (StreamDelta) isEvent()    {}
func (StreamFinalize) isEvent() {}
func (Interrupt) isEvent()      {}
func (Truncate) isEvent()       {}

// MutationKind reports what an apply did.
type MutationKind int

const (
	MutationNoop MutationKind = iota
	MutationInserted
	MutationReplaced
	MutationRemoved
	MutationTruncated
	MutationRestored
	// MutationBulk is an apply that touched several records (Interrupt).
	MutationBulk
)

func (k MutationKind) String() string {
	switch k {
	case MutationInserted:
		return "inserted"
	case MutationReplaced:
		return "replaced"
	case MutationRemoved:
		return "removed"
	case MutationTruncated:
		return "truncated"
	case MutationRestored:
		return "restored"
	case MutationBulk:
		return "bulk"
	default:
		return "noop"
	}
}

// Mutation describes the effect of one apply. Changed lists every id whose
// rendered output may differ; Removed lists ids that no longer exist.
type Mutation struct {
	Kind    MutationKind
	ID      HistoryID
	Index   int
	Stale   bool
	Changed []HistoryID
	Removed []HistoryID
}
