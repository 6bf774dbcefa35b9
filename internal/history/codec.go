package history

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one persisted record: {"id": n, "type": tag, "payload": {...}}.
type Entry struct {
	ID     HistoryID
	Record Record
}

type envelope struct {
	ID      HistoryID       `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Record == nil {
		return nil, fmt.Errorf("record %d: %w", e.ID, ErrNilRecord)
	}
	payload, err := EncodeRecord(e.Record)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", e.ID, err)
	}
	return json.Marshal(envelope{ID: e.ID, Type: string(e.Record.Kind()), Payload: payload})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	rec, err := DecodeRecord(env.Type, env.Payload)
	if err != nil {
		return fmt.Errorf("record %d: %w", env.ID, err)
	}
	e.ID = env.ID
	e.Record = rec
	return nil
}

// EncodeRecord marshals the variant payload (without the envelope).
func EncodeRecord(rec Record) (json.RawMessage, error) {
	if u, ok := rec.(Unknown); ok {
		if len(u.Payload) == 0 {
			return json.RawMessage("{}"), nil
		}
		return cloneRaw(u.Payload), nil
	}
	return json.Marshal(rec)
}

// DecodeRecord decodes a payload by its type tag. Unknown fields are ignored;
// unknown tags yield an Unknown record.
func DecodeRecord(kind string, payload json.RawMessage) (Record, error) {
	switch RecordKind(kind) {
	case "":
		return nil, fmt.Errorf("%w: missing record type", ErrCorruptSnapshot)
	case KindPlainMessage:
		return decodeAs[PlainMessage](payload)
	case KindWaitStatus:
		return decodeAs[WaitStatus](payload)
	case KindLoading:
		return decodeAs[Loading](payload)
	case KindRunningTool:
		return decodeAs[RunningTool](payload)
	case KindToolCall:
		return decodeAs[ToolCall](payload)
	case KindPlanUpdate:
		return decodeAs[PlanUpdate](payload)
	case KindUpgradeNotice:
		return decodeAs[UpgradeNotice](payload)
	case KindReasoning:
		return decodeAs[Reasoning](payload)
	case KindExec:
		return decodeAs[Exec](payload)
	case KindAssistantStream:
		return decodeAs[AssistantStream](payload)
	case KindAssistantMessage:
		return decodeAs[AssistantMessage](payload)
	case KindDiff:
		return decodeAs[Diff](payload)
	case KindPatch:
		return decodeAs[Patch](payload)
	case KindImage:
		return decodeAs[Image](payload)
	case KindExplore:
		return decodeAs[Explore](payload)
	case KindRateLimits:
		return decodeAs[RateLimits](payload)
	case KindBackgroundEvent:
		return decodeAs[BackgroundEvent](payload)
	case KindNotice:
		return decodeAs[Notice](payload)
	default:
		return Unknown{Type: kind, Payload: cloneRaw(payload)}, nil
	}
}

func decodeAs[T Record](payload json.RawMessage) (Record, error) {
	var v T
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}
	return v, nil
}
