package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"

	"github.com/google/uuid"
)

const patchTimeout = time.Minute

// ErrPatchRejected is returned when the user declines a patch.
var ErrPatchRejected = errors.New("patch rejected")

// PatchRequest is one patch to review and apply.
type PatchRequest struct {
	Patch       string
	WorkingDir  string
	AutoApprove bool
}

// ApplyFunc applies a unified diff in dir.
type ApplyFunc func(ctx context.Context, dir, patch string) (stdout, stderr string, err error)

// PatchProducer walks a patch through approval and apply, recording each
// step as a Patch record.
type PatchProducer struct {
	sink      Sink
	approvals *Approvals
	apply     ApplyFunc
	newID     func() string
	log       *logger.LogEntry
}

func NewPatchProducer(sink Sink, approvals *Approvals) *PatchProducer {
	return &PatchProducer{
		sink:      sink,
		approvals: approvals,
		apply:     ApplyUnifiedDiff,
		newID:     uuid.NewString,
		log:       logger.Named("patch"),
	}
}

// WithApply swaps the apply step.
func (p *PatchProducer) WithApply(fn ApplyFunc) *PatchProducer {
	p.apply = fn
	return p
}

// Run records the patch, waits for approval unless auto-approved, applies it
// and records the outcome. The returned id is the approval id.
func (p *PatchProducer) Run(ctx context.Context, req PatchRequest) (string, error) {
	changes, err := ParsePatch(req.Patch)
	if err != nil {
		return "", err
	}
	id := p.newID()
	entry := p.log.WithField("approval_id", id)

	if !req.AutoApprove {
		emit(ctx, p.sink, entry, history.Insert{Record: history.ParseUnifiedDiff("Proposed changes", req.Patch)})
		emit(ctx, p.sink, entry, history.Insert{Record: history.Patch{Event: history.PatchApprovalRequest, Changes: changes}})
		approved, err := p.approvals.Wait(ctx, id)
		if err != nil {
			return id, err
		}
		if !approved {
			emit(ctx, p.sink, entry, history.Insert{Record: history.Patch{
				Event:   history.PatchApplyFailure,
				Changes: changes,
				Failure: &history.PatchFailure{Message: ErrPatchRejected.Error()},
			}})
			return id, ErrPatchRejected
		}
	}

	emit(ctx, p.sink, entry, history.Insert{Record: history.Patch{Event: history.PatchApplyBegin, AutoApproved: req.AutoApprove, Changes: changes}})
	stdout, stderr, err := p.apply(ctx, req.WorkingDir, req.Patch)
	if err != nil {
		entry.WithError(err).Warn("patch apply failed")
		emit(context.WithoutCancel(ctx), p.sink, entry, history.Insert{Record: history.Patch{
			Event:        history.PatchApplyFailure,
			AutoApproved: req.AutoApprove,
			Changes:      changes,
			Failure:      &history.PatchFailure{Message: err.Error(), Stdout: stdout, Stderr: stderr},
		}})
		return id, err
	}
	emit(ctx, p.sink, entry, history.Insert{Record: history.Patch{Event: history.PatchApplySuccess, AutoApproved: req.AutoApprove, Changes: changes}})
	return id, nil
}

// ParsePatch splits a multi-file unified diff into per-file changes keyed by
// workspace path.
func ParsePatch(patch string) (map[string]history.FileChange, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, errors.New("empty patch")
	}
	if strings.Contains(patch, "*** Begin Patch") {
		return nil, errors.New("unsupported patch format: expected a unified diff")
	}
	out := map[string]history.FileChange{}
	for _, sec := range splitFiles(patch) {
		oldPath, newPath := sec.paths()
		if oldPath == "" && newPath == "" {
			continue
		}
		change := history.FileChange{Kind: history.ChangeUpdate, UnifiedDiff: sec.text}
		key := oldPath
		switch {
		case oldPath == "":
			change.Kind = history.ChangeAdd
			change.Content = addedContent(sec.text)
			key = newPath
		case newPath == "":
			change.Kind = history.ChangeDelete
		case oldPath != newPath:
			change.MovePath = newPath
		}
		out[key] = change
	}
	if len(out) == 0 {
		return nil, errors.New("no file headers found in patch")
	}
	return out, nil
}

type fileSection struct {
	text     string
	old, new string
}

// paths returns the workspace paths with a/ b/ prefixes removed. A missing
// side (/dev/null) comes back empty.
func (s fileSection) paths() (string, string) {
	return stripSide(s.old, "a/"), stripSide(s.new, "b/")
}

func stripSide(p, prefix string) string {
	if p == "" || p == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(p, prefix)
}

func splitFiles(patch string) []fileSection {
	var out []fileSection
	var cur *fileSection
	var buf []string
	flush := func() {
		if cur != nil {
			cur.text = strings.Join(buf, "\n") + "\n"
			out = append(out, *cur)
		}
		cur, buf = nil, nil
	}
	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")
	for i, line := range lines {
		startsFile := strings.HasPrefix(line, "diff --git ")
		if !startsFile && strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			// A bare ---/+++ pair opens a file unless it belongs to the git header above it.
			startsFile = cur == nil || cur.old != ""
		}
		if startsFile {
			flush()
			cur = &fileSection{}
		}
		if cur == nil {
			continue
		}
		buf = append(buf, line)
		switch {
		case strings.HasPrefix(line, "--- ") && cur.old == "":
			cur.old = headerPath(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++ ") && cur.new == "":
			cur.new = headerPath(strings.TrimPrefix(line, "+++ "))
		case strings.HasPrefix(line, "rename from ") && cur.old == "":
			cur.old = "a/" + strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to ") && cur.new == "":
			cur.new = "b/" + strings.TrimPrefix(line, "rename to ")
		}
	}
	flush()
	return out
}

// headerPath drops the timestamp that diff -u appends after a tab.
func headerPath(rest string) string {
	rest = strings.TrimSpace(rest)
	if i := strings.IndexByte(rest, '\t'); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

func addedContent(section string) string {
	var b strings.Builder
	for _, line := range strings.Split(section, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++ ") {
			b.WriteString(line[1:])
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ApplyUnifiedDiff runs the system patch tool. Git-style a/ b/ headers are
// applied with -p1.
func ApplyUnifiedDiff(ctx context.Context, dir, patch string) (string, string, error) {
	if strings.TrimSpace(patch) == "" {
		return "", "", errors.New("empty patch content")
	}
	ctx, cancel := context.WithTimeout(ctx, patchTimeout)
	defer cancel()

	strip := "-p0"
	if strings.Contains(patch, "\n+++ b/") || strings.HasPrefix(patch, "diff --git ") {
		strip = "-p1"
	}
	cmd := exec.CommandContext(ctx, "patch", strip, "--force", "--batch")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(patch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("apply patch: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}
