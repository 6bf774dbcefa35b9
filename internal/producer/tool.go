package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"

	"github.com/google/uuid"
)

const previewLines = 12

// ToolHandler runs a tool and returns its text output.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSpec registers a tool with a ToolRunner.
type ToolSpec struct {
	Name  string
	Title string
	// WaitCap is how long the caller is prepared to wait; shown while running.
	WaitCap time.Duration
	// Secret names arguments that are masked in the transcript.
	Secret  []string
	Handler ToolHandler
}

// ErrUnknownTool is returned for a name nobody registered.
var ErrUnknownTool = errors.New("unknown tool")

// ToolRunner runs registered tools and reports each call as a RunningTool
// that becomes a ToolCall.
type ToolRunner struct {
	sink  Sink
	now   func() time.Time
	newID func() string
	log   *logger.LogEntry

	mu    sync.RWMutex
	specs map[string]ToolSpec
}

func NewToolRunner(sink Sink) *ToolRunner {
	return &ToolRunner{
		sink:  sink,
		now:   time.Now,
		newID: uuid.NewString,
		log:   logger.Named("tool"),
		specs: map[string]ToolSpec{},
	}
}

func (r *ToolRunner) Register(spec ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
}

// Names lists registered tools.
func (r *ToolRunner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Call runs the named tool. The handler's error is also returned after it has
// been recorded on the ToolCall.
func (r *ToolRunner) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok || spec.Handler == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	title := spec.Title
	if title == "" {
		title = spec.Name
	}
	callID := r.newID()
	started := r.now()
	entry := r.log.WithField("call_id", callID).WithField("tool", name)
	emit(ctx, r.sink, entry, history.ToolBegin{
		CallID:    callID,
		Title:     title,
		Arguments: toolArguments(args, spec.Secret),
		StartedAt: started,
		WaitCapMs: spec.WaitCap.Milliseconds(),
	})

	out, err := spec.Handler(ctx, args)
	done := r.now()
	end := history.ToolEnd{
		Target:        history.ByCall(callID),
		Status:        history.ToolSuccess,
		DurationMs:    done.Sub(started).Milliseconds(),
		CompletedAt:   done,
		ResultPreview: preview(out),
	}
	if err != nil {
		end.Status = history.ToolFailed
		end.Error = err.Error()
		entry.WithError(err).Debug("tool failed")
	}
	emit(context.WithoutCancel(ctx), r.sink, entry, end)
	return out, err
}

// toolArguments flattens a JSON object into ordered arguments. Non-object
// payloads become a single "input" argument.
func toolArguments(raw json.RawMessage, secret []string) []history.ToolArgument {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return []history.ToolArgument{{Name: "input", Text: string(raw)}}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]history.ToolArgument, 0, len(keys))
	for _, k := range keys {
		arg := history.ToolArgument{Name: k, Secret: slices.Contains(secret, k)}
		var s string
		if err := json.Unmarshal(obj[k], &s); err == nil {
			arg.Text = s
		} else {
			arg.JSON = obj[k]
		}
		out = append(out, arg)
	}
	return out
}

func preview(out string) *history.ToolResultPreview {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	p := &history.ToolResultPreview{Lines: lines}
	if len(lines) > previewLines {
		p.Lines = lines[:previewLines]
		p.Truncated = true
	}
	return p
}
