// Package history holds the authoritative, event-sourced transcript: the
// ordered record list, the id allocator and the call/stream lookups. Records
// only change through Domain Events applied by State (directly, or via the
// Store actor when producers run concurrently).
package history

import (
	"encoding/json"
	"slices"
	"time"
)

// HistoryID identifies a transcript record. Ids are assigned on insert, start
// at 0, grow monotonically and are never reused.
type HistoryID uint64

// IDPtr returns a pointer to id, for events that address a record explicitly.
func IDPtr(id HistoryID) *HistoryID { return &id }

// RecordKind is the stable variant tag used by persistence and metrics.
type RecordKind string

const (
	KindPlainMessage     RecordKind = "plain_message"
	KindWaitStatus       RecordKind = "wait_status"
	KindLoading          RecordKind = "loading"
	KindRunningTool      RecordKind = "running_tool"
	KindToolCall         RecordKind = "tool_call"
	KindPlanUpdate       RecordKind = "plan_update"
	KindUpgradeNotice    RecordKind = "upgrade_notice"
	KindReasoning        RecordKind = "reasoning"
	KindExec             RecordKind = "exec"
	KindAssistantStream  RecordKind = "assistant_stream"
	KindAssistantMessage RecordKind = "assistant_message"
	KindDiff             RecordKind = "diff"
	KindPatch            RecordKind = "patch"
	KindImage            RecordKind = "image"
	KindExplore          RecordKind = "explore"
	KindRateLimits       RecordKind = "rate_limits"
	KindBackgroundEvent  RecordKind = "background_event"
	KindNotice           RecordKind = "notice"
)

// Record is the closed set of transcript entries. Only types in this package
// implement it; the render layer switches over them exhaustively.
type Record interface {
	Kind() RecordKind
	clone() Record
}

// Clone returns a deep copy of rec; nil stays nil.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	return rec.clone()
}

// Role 标识 PlainMessage 的发言方。
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleTool       Role = "tool"
	RoleError      Role = "error"
	RoleBackground Role = "background"
)

// Tone 是语义色调，渲染层再映射到主题颜色。
type Tone string

const (
	ToneDefault Tone = ""
	ToneDim     Tone = "dim"
	TonePrimary Tone = "primary"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneError   Tone = "error"
	ToneInfo    Tone = "info"
)

// LineKind classifies a structured body line.
type LineKind string

const (
	LineParagraph LineKind = "paragraph"
	LineBullet    LineKind = "bullet"
	LineCode      LineKind = "code"
	LineQuote     LineKind = "quote"
	LineHeading   LineKind = "heading"
	LineSeparator LineKind = "separator"
	LineBlank     LineKind = "blank"
)

// InlineSpan 是一段带语义标记的文本。
type InlineSpan struct {
	Text   string `json:"text"`
	Tone   Tone   `json:"tone,omitempty"`
	Bold   bool   `json:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty"`
	Code   bool   `json:"code,omitempty"`
	Href   string `json:"href,omitempty"`
}

// MessageLine 是结构化正文的一行。
type MessageLine struct {
	Kind     LineKind     `json:"kind"`
	Indent   int          `json:"indent,omitempty"`
	Marker   string       `json:"marker,omitempty"`
	Language string       `json:"language,omitempty"`
	Spans    []InlineSpan `json:"spans,omitempty"`
}

// TextLine builds a single-span paragraph line.
func TextLine(text string) MessageLine {
	return MessageLine{Kind: LineParagraph, Spans: []InlineSpan{{Text: text}}}
}

func cloneLines(lines []MessageLine) []MessageLine {
	if lines == nil {
		return nil
	}
	out := make([]MessageLine, len(lines))
	for i, l := range lines {
		l.Spans = slices.Clone(l.Spans)
		out[i] = l
	}
	return out
}

// TokenUsage mirrors provider usage counters.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int64 `json:"total_tokens"`
}

// MessageMetadata carries citations and usage attached to a message.
type MessageMetadata struct {
	Citations  []string    `json:"citations,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

func (m *MessageMetadata) clone() *MessageMetadata {
	if m == nil {
		return nil
	}
	out := &MessageMetadata{Citations: slices.Clone(m.Citations)}
	if m.TokenUsage != nil {
		u := *m.TokenUsage
		out.TokenUsage = &u
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return slices.Clone(raw)
}
