package history

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// PlainMessage is a user/system/assistant message with structured body lines.
type PlainMessage struct {
	Role     Role             `json:"role"`
	Header   string           `json:"header,omitempty"`
	Lines    []MessageLine    `json:"lines"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// WaitDetail 是 WaitStatus 的一条键值说明。
type WaitDetail struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
	Tone  Tone   `json:"tone,omitempty"`
}

// WaitStatus is an ephemeral "waiting on ..." status row.
type WaitStatus struct {
	Title   string       `json:"title"`
	Summary string       `json:"summary,omitempty"`
	Details []WaitDetail `json:"details,omitempty"`
}

// Loading is an ephemeral spinner row.
type Loading struct {
	Message string `json:"message"`
}

// ToolArgument is one structured tool argument. JSON takes precedence over
// Text; Secret arguments are never rendered verbatim.
type ToolArgument struct {
	Name   string          `json:"name"`
	Text   string          `json:"text,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Secret bool            `json:"secret,omitempty"`
}

func cloneArgs(args []ToolArgument) []ToolArgument {
	if args == nil {
		return nil
	}
	out := make([]ToolArgument, len(args))
	for i, a := range args {
		a.JSON = cloneRaw(a.JSON)
		out[i] = a
	}
	return out
}

// ToolStatus 是工具调用状态。
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolFailed  ToolStatus = "failed"
)

// RunningTool is a tool call that has started and not ended.
type RunningTool struct {
	CallID    string         `json:"call_id"`
	Title     string         `json:"title"`
	Arguments []ToolArgument `json:"arguments,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	WaitCapMs int64          `json:"wait_cap_ms,omitempty"`
}

// ToolResultPreview is a short excerpt of a tool's output.
type ToolResultPreview struct {
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ToolCall is a completed (or explicitly inserted) tool call.
type ToolCall struct {
	CallID        string             `json:"call_id"`
	Title         string             `json:"title"`
	Status        ToolStatus         `json:"status"`
	Arguments     []ToolArgument     `json:"arguments,omitempty"`
	DurationMs    int64              `json:"duration_ms,omitempty"`
	ResultPreview *ToolResultPreview `json:"result_preview,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// StepStatus 是计划步骤状态。
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

type PlanStep struct {
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// PlanUpdate is the latest plan. Completed/Total are kept in sync by NewPlanUpdate.
type PlanUpdate struct {
	Name      string     `json:"name,omitempty"`
	Steps     []PlanStep `json:"steps"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
}

// NewPlanUpdate builds a PlanUpdate with its completion counter filled in.
func NewPlanUpdate(name string, steps []PlanStep) PlanUpdate {
	done := 0
	for _, s := range steps {
		if s.Status == StepCompleted {
			done++
		}
	}
	return PlanUpdate{Name: name, Steps: slices.Clone(steps), Completed: done, Total: len(steps)}
}

type UpgradeNotice struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	Message        string `json:"message"`
}

// ReasoningBlock is one structured block inside a reasoning section.
type ReasoningBlock struct {
	Kind     LineKind     `json:"kind"`
	Indent   int          `json:"indent,omitempty"`
	Marker   string       `json:"marker,omitempty"`
	Language string       `json:"language,omitempty"`
	Spans    []InlineSpan `json:"spans,omitempty"`
}

type ReasoningSection struct {
	Heading string           `json:"heading,omitempty"`
	Summary []InlineSpan     `json:"summary,omitempty"`
	Blocks  []ReasoningBlock `json:"blocks"`
}

// Reasoning holds model reasoning. Collapsed is a hint: collapsed sections
// show only headings unless reasoning visibility is switched on.
type Reasoning struct {
	Sections   []ReasoningSection `json:"sections"`
	Effort     string             `json:"effort,omitempty"`
	InProgress bool               `json:"in_progress,omitempty"`
	Collapsed  bool               `json:"collapsed,omitempty"`
}

// ExecAction classifies what a command does.
type ExecAction string

const (
	ActionRead   ExecAction = "read"
	ActionSearch ExecAction = "search"
	ActionList   ExecAction = "list"
	ActionRun    ExecAction = "run"
)

type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecError   ExecStatus = "error"
)

// ParsedCommand is one classified segment of a command line.
type ParsedCommand struct {
	Action ExecAction `json:"action"`
	Cmd    string     `json:"cmd"`
	Name   string     `json:"name,omitempty"`
	Path   string     `json:"path,omitempty"`
	Query  string     `json:"query,omitempty"`
}

// ExecChunk is a slice of output starting at Offset bytes into its stream.
type ExecChunk struct {
	Offset  int64  `json:"offset"`
	Content string `json:"content"`
}

// ExecWaitNote is a human-readable annotation on a running command.
type ExecWaitNote struct {
	Message   string    `json:"message"`
	Tone      Tone      `json:"tone,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Exec is one shell command and its output logs.
type Exec struct {
	CallID      string            `json:"call_id"`
	Command     []string          `json:"command"`
	Parsed      []ParsedCommand   `json:"parsed,omitempty"`
	Action      ExecAction        `json:"action"`
	Status      ExecStatus        `json:"status"`
	Stdout      []ExecChunk       `json:"stdout_chunks,omitempty"`
	Stderr      []ExecChunk       `json:"stderr_chunks,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	WaitTotalMs int64             `json:"wait_total_ms,omitempty"`
	WaitActive  bool              `json:"wait_active,omitempty"`
	WaitNotes   []ExecWaitNote    `json:"wait_notes,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	// GroupID marks adjacent execs that belong to one pipeline.
	GroupID string `json:"group_id,omitempty"`
}

// StreamLen is the byte length of a chunk log, i.e. the next expected offset.
func StreamLen(chunks []ExecChunk) int64 {
	if len(chunks) == 0 {
		return 0
	}
	last := chunks[len(chunks)-1]
	return last.Offset + int64(len(last.Content))
}

// JoinChunks concatenates a chunk log.
func JoinChunks(chunks []ExecChunk) string {
	n := 0
	for _, c := range chunks {
		n += len(c.Content)
	}
	buf := make([]byte, 0, n)
	for _, c := range chunks {
		buf = append(buf, c.Content...)
	}
	return string(buf)
}

// AssistantDelta is one streamed fragment.
type AssistantDelta struct {
	Delta      string    `json:"delta"`
	Sequence   *uint64   `json:"sequence,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func cloneDeltas(ds []AssistantDelta) []AssistantDelta {
	if ds == nil {
		return nil
	}
	out := make([]AssistantDelta, len(ds))
	for i, d := range ds {
		if d.Sequence != nil {
			s := *d.Sequence
			d.Sequence = &s
		}
		out[i] = d
	}
	return out
}

// AssistantStream is a model response that is still arriving.
type AssistantStream struct {
	StreamID      string           `json:"stream_id"`
	Preview       string           `json:"preview"`
	Deltas        []AssistantDelta `json:"deltas,omitempty"`
	Citations     []string         `json:"citations,omitempty"`
	Metadata      *MessageMetadata `json:"metadata,omitempty"`
	InProgress    bool             `json:"in_progress"`
	LastSequence  *uint64          `json:"last_sequence,omitempty"`
	LastUpdatedAt time.Time        `json:"last_updated_at"`
}

// AssistantMessage is a finalized model response.
type AssistantMessage struct {
	StreamID   string           `json:"stream_id,omitempty"`
	Markdown   string           `json:"markdown"`
	Citations  []string         `json:"citations,omitempty"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
	TokenUsage *TokenUsage      `json:"token_usage,omitempty"`
	Deltas     []AssistantDelta `json:"deltas,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type DiffLineKind string

const (
	DiffHeader  DiffLineKind = "header"
	DiffContext DiffLineKind = "context"
	DiffAdd     DiffLineKind = "add"
	DiffRemove  DiffLineKind = "remove"
)

type DiffLine struct {
	Kind    DiffLineKind `json:"kind"`
	Content string       `json:"content"`
}

type DiffHunk struct {
	Header string     `json:"header"`
	Lines  []DiffLine `json:"lines"`
}

// Diff is a structured unified diff; never pre-rendered text.
type Diff struct {
	Title string     `json:"title"`
	Hunks []DiffHunk `json:"hunks"`
}

type FileChangeKind string

const (
	ChangeAdd    FileChangeKind = "add"
	ChangeDelete FileChangeKind = "delete"
	ChangeUpdate FileChangeKind = "update"
)

type FileChange struct {
	Kind        FileChangeKind `json:"kind"`
	Content     string         `json:"content,omitempty"`
	UnifiedDiff string         `json:"unified_diff,omitempty"`
	MovePath    string         `json:"move_path,omitempty"`
}

type PatchEvent string

const (
	PatchApprovalRequest PatchEvent = "approval_request"
	PatchApplyBegin      PatchEvent = "apply_begin"
	PatchApplySuccess    PatchEvent = "apply_success"
	PatchApplyFailure    PatchEvent = "apply_failure"
)

type PatchFailure struct {
	Message string `json:"message"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// Patch is one step of a patch approval/apply lifecycle.
type Patch struct {
	Event        PatchEvent            `json:"event"`
	AutoApproved bool                  `json:"auto_approved,omitempty"`
	Changes      map[string]FileChange `json:"changes"`
	Failure      *PatchFailure         `json:"failure,omitempty"`
}

type Image struct {
	SourcePath string `json:"source_path,omitempty"`
	AltText    string `json:"alt_text,omitempty"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	SHA256     string `json:"sha256,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	ByteLen    int    `json:"byte_len,omitempty"`
}

type ExploreStatus string

const (
	ExploreRunning  ExploreStatus = "running"
	ExploreSuccess  ExploreStatus = "success"
	ExploreNotFound ExploreStatus = "not_found"
	ExploreError    ExploreStatus = "error"
)

// ExploreEntry summarizes one read/search/list step.
type ExploreEntry struct {
	Action   ExecAction    `json:"action"`
	Summary  string        `json:"summary"`
	Path     string        `json:"path,omitempty"`
	Query    string        `json:"query,omitempty"`
	Status   ExploreStatus `json:"status"`
	ExitCode *int          `json:"exit_code,omitempty"`
}

type Explore struct {
	Title   string         `json:"title"`
	Entries []ExploreEntry `json:"entries"`
}

type RateLimitWindow struct {
	UsedPercent     float64 `json:"used_percent"`
	WindowMinutes   int64   `json:"window_minutes,omitempty"`
	ResetsInSeconds int64   `json:"resets_in_seconds,omitempty"`
}

type RateLimitLegend struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type RateLimits struct {
	Primary   *RateLimitWindow  `json:"primary,omitempty"`
	Secondary *RateLimitWindow  `json:"secondary,omitempty"`
	Legend    []RateLimitLegend `json:"legend,omitempty"`
}

type BackgroundEvent struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Notice struct {
	Title string        `json:"title,omitempty"`
	Body  []MessageLine `json:"body"`
}

// Unknown keeps a record whose type tag this build does not know, so that a
// snapshot written by a newer version survives a round trip.
type Unknown struct {
	Type    string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (PlainMessage) Kind() RecordKind     { return KindPlainMessage }
func (WaitStatus) Kind() RecordKind       { return KindWaitStatus }
func (Loading) Kind() RecordKind          { return KindLoading }
func (RunningTool) Kind() RecordKind      { return KindRunningTool }
func (ToolCall) Kind() RecordKind         { return KindToolCall }
func (PlanUpdate) Kind() RecordKind       { return KindPlanUpdate }
func (UpgradeNotice) Kind() RecordKind    { return KindUpgradeNotice }
func (Reasoning) Kind() RecordKind        { return KindReasoning }
func (Exec) Kind() RecordKind             { return KindExec }
func (AssistantStream) Kind() RecordKind  { return KindAssistantStream }
func (AssistantMessage) Kind() RecordKind { return KindAssistantMessage }
func (Diff) Kind() RecordKind             { return KindDiff }
func (Patch) Kind() RecordKind            { return KindPatch }
func (Image) Kind() RecordKind            { return KindImage }
func (Explore) Kind() RecordKind          { return KindExplore }
func (RateLimits) Kind() RecordKind       { return KindRateLimits }
func (BackgroundEvent) Kind() RecordKind  { return KindBackgroundEvent }
func (Notice) Kind() RecordKind           { return KindNotice }
func (u Unknown) Kind() RecordKind        { return RecordKind(u.Type) }

func (r PlainMessage) clone() Record {
	r.Lines = cloneLines(r.Lines)
	r.Metadata = r.Metadata.clone()
	return r
}

func (r WaitStatus) clone() Record {
	r.Details = slices.Clone(r.Details)
	return r
}

func (r Loading) clone() Record { return r }

func (r RunningTool) clone() Record {
	r.Arguments = cloneArgs(r.Arguments)
	return r
}

func (r ToolCall) clone() Record {
	r.Arguments = cloneArgs(r.Arguments)
	if r.ResultPreview != nil {
		p := *r.ResultPreview
		p.Lines = slices.Clone(p.Lines)
		r.ResultPreview = &p
	}
	return r
}

func (r PlanUpdate) clone() Record {
	r.Steps = slices.Clone(r.Steps)
	return r
}

func (r UpgradeNotice) clone() Record { return r }

func (r Reasoning) clone() Record {
	if r.Sections != nil {
		sections := make([]ReasoningSection, len(r.Sections))
		for i, s := range r.Sections {
			s.Summary = slices.Clone(s.Summary)
			blocks := make([]ReasoningBlock, len(s.Blocks))
			for j, b := range s.Blocks {
				b.Spans = slices.Clone(b.Spans)
				blocks[j] = b
			}
			if s.Blocks == nil {
				blocks = nil
			}
			s.Blocks = blocks
			sections[i] = s
		}
		r.Sections = sections
	}
	return r
}

func (r Exec) clone() Record {
	r.Command = slices.Clone(r.Command)
	r.Parsed = slices.Clone(r.Parsed)
	r.Stdout = slices.Clone(r.Stdout)
	r.Stderr = slices.Clone(r.Stderr)
	r.ExitCode = cloneInt(r.ExitCode)
	r.WaitNotes = slices.Clone(r.WaitNotes)
	r.CompletedAt = cloneTime(r.CompletedAt)
	r.Env = maps.Clone(r.Env)
	r.Tags = slices.Clone(r.Tags)
	return r
}

func (r AssistantStream) clone() Record {
	r.Deltas = cloneDeltas(r.Deltas)
	r.Citations = slices.Clone(r.Citations)
	r.Metadata = r.Metadata.clone()
	if r.LastSequence != nil {
		s := *r.LastSequence
		r.LastSequence = &s
	}
	return r
}

func (r AssistantMessage) clone() Record {
	r.Citations = slices.Clone(r.Citations)
	r.Metadata = r.Metadata.clone()
	if r.TokenUsage != nil {
		u := *r.TokenUsage
		r.TokenUsage = &u
	}
	r.Deltas = cloneDeltas(r.Deltas)
	return r
}

func (r Diff) clone() Record {
	if r.Hunks != nil {
		hunks := make([]DiffHunk, len(r.Hunks))
		for i, h := range r.Hunks {
			h.Lines = slices.Clone(h.Lines)
			hunks[i] = h
		}
		r.Hunks = hunks
	}
	return r
}

func (r Patch) clone() Record {
	r.Changes = maps.Clone(r.Changes)
	if r.Failure != nil {
		f := *r.Failure
		r.Failure = &f
	}
	return r
}

func (r Image) clone() Record { return r }

func (r Explore) clone() Record {
	if r.Entries != nil {
		entries := make([]ExploreEntry, len(r.Entries))
		for i, e := range r.Entries {
			e.ExitCode = cloneInt(e.ExitCode)
			entries[i] = e
		}
		r.Entries = entries
	}
	return r
}

func (r RateLimits) clone() Record {
	if r.Primary != nil {
		p := *r.Primary
		r.Primary = &p
	}
	if r.Secondary != nil {
		s := *r.Secondary
		r.Secondary = &s
	}
	r.Legend = slices.Clone(r.Legend)
	return r
}

func (r BackgroundEvent) clone() Record { return r }

func (r Notice) clone() Record {
	r.Body = cloneLines(r.Body)
	return r
}

func (r Unknown) clone() Record {
	r.Payload = cloneRaw(r.Payload)
	return r
}
