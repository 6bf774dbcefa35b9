package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"echo-transcript/internal/history"
	"echo-transcript/internal/logger"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultIdleNotice = 10 * time.Second
	defaultTailBytes  = 64 * 1024
	ptyDrainGrace     = 200 * time.Millisecond
	waitDelay         = 2 * time.Second
)

// ExecRequest describes one command to supervise.
type ExecRequest struct {
	Command    []string
	WorkingDir string
	// Env is layered over the process environment.
	Env     map[string]string
	GroupID string
	Tags    []string
	// TTY runs the command under a pseudo terminal; stderr then arrives on stdout.
	TTY bool
}

// ExecResult is what the caller gets back once the command has ended.
type ExecResult struct {
	CallID   string
	ExitCode int
	// Output is the tail of combined output.
	Output   string
	Duration time.Duration
}

// ExecSupervisor runs commands and reports their lifecycle as Exec events.
type ExecSupervisor struct {
	sink       Sink
	now        func() time.Time
	newID      func() string
	idleNotice time.Duration
	tailBytes  int
	log        *logger.LogEntry
}

type ExecOption func(*ExecSupervisor)

// WithIdleNotice sets how long a command may stay silent before a wait note
// is emitted. Zero disables notes.
func WithIdleNotice(d time.Duration) ExecOption {
	return func(s *ExecSupervisor) { s.idleNotice = d }
}

func WithExecClock(now func() time.Time) ExecOption {
	return func(s *ExecSupervisor) { s.now = now }
}

// WithCallIDs replaces uuid call ids; tests use it for stable ids.
func WithCallIDs(next func() string) ExecOption {
	return func(s *ExecSupervisor) { s.newID = next }
}

func WithExecLogger(entry *logger.LogEntry) ExecOption {
	return func(s *ExecSupervisor) { s.log = entry }
}

func NewExecSupervisor(sink Sink, opts ...ExecOption) *ExecSupervisor {
	s := &ExecSupervisor{
		sink:       sink,
		now:        time.Now,
		newID:      uuid.NewString,
		idleNotice: defaultIdleNotice,
		tailBytes:  defaultTailBytes,
		log:        logger.Named("exec"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes req and blocks until it ends. A non-zero exit is reported in
// the result, not as an error. When ctx is cancelled the process is killed,
// the exec is ended with status error and ctx.Err() is returned.
func (s *ExecSupervisor) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if len(req.Command) == 0 || strings.TrimSpace(strings.Join(req.Command, "")) == "" {
		return ExecResult{}, errors.New("empty command")
	}
	// Output that arrives while the process is being killed is still real.
	emitCtx := context.WithoutCancel(ctx)
	callID := s.newID()
	target := history.ByCall(callID)
	started := s.now()
	parsed, action := Classify(req.Command)

	emit(emitCtx, s.sink, s.log, history.ExecBegin{
		CallID:     callID,
		Command:    slices.Clone(req.Command),
		Parsed:     parsed,
		Action:     action,
		StartedAt:  started,
		WorkingDir: req.WorkingDir,
		Env:        maps.Clone(req.Env),
		Tags:       slices.Clone(req.Tags),
		GroupID:    req.GroupID,
	})
	entry := s.log.WithField("call_id", callID)
	entry.WithField("command", strings.Join(req.Command, " ")).Debug("exec begin")

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = withExecEnv(os.Environ(), req.Env)
	cmd.WaitDelay = waitDelay

	tail := &tailRing{max: s.tailBytes}
	watch := newIdleWatch(s.now, started)
	stdout := &pump{sink: s.sink, ctx: emitCtx, log: entry, target: target, stream: history.Stdout, tail: tail, watch: watch}
	stderr := &pump{sink: s.sink, ctx: emitCtx, log: entry, target: target, stream: history.Stderr, tail: tail, watch: watch}

	var waitErr error
	stopIdle := s.watchIdle(emitCtx, target, watch)
	if req.TTY {
		waitErr = s.runPTY(cmd, stdout)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		waitErr = s.runPipes(cmd)
	}
	stopIdle()
	stdout.flush()
	stderr.flush()

	if cmd.Process == nil {
		// Never started.
		code := -1
		emit(emitCtx, s.sink, s.log, history.ExecEnd{
			Target:      target,
			Status:      history.ExecError,
			ExitCode:    &code,
			CompletedAt: s.now(),
			StderrTail:  waitErr.Error() + "\n",
		})
		entry.WithError(waitErr).Warn("exec start failed")
		return ExecResult{CallID: callID, ExitCode: code}, fmt.Errorf("start %s: %w", req.Command[0], waitErr)
	}

	code := exitCode(waitErr)
	status := history.ExecSuccess
	if code != 0 {
		status = history.ExecError
	}
	interrupted := ctx.Err() != nil
	if interrupted {
		status = history.ExecError
		code = -1
	}
	completed := s.now()
	if interrupted {
		emit(emitCtx, s.sink, s.log, history.ExecWait{
			Target: target,
			Note:   &history.ExecWaitNote{Message: "interrupted", Tone: history.ToneWarning, Timestamp: completed},
		})
	}
	emit(emitCtx, s.sink, s.log, history.ExecEnd{
		Target:      target,
		Status:      status,
		ExitCode:    &code,
		CompletedAt: completed,
	})
	res := ExecResult{CallID: callID, ExitCode: code, Output: tail.String(), Duration: completed.Sub(started)}
	entry.WithField("exit_code", code).WithField("duration", res.Duration).Debug("exec end")
	if interrupted {
		return res, ctx.Err()
	}
	return res, nil
}

func (s *ExecSupervisor) runPipes(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Wait()
}

func (s *ExecSupervisor) runPTY(cmd *exec.Cmd, out *pump) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(out, ptmx)
	}()
	err = cmd.Wait()
	// The pty keeps buffered output after the child exits; read it before closing.
	select {
	case <-copied:
	case <-time.After(ptyDrainGrace):
	}
	_ = ptmx.Close()
	<-copied
	return err
}

// watchIdle emits a wait note each time the command has been silent for the
// idle interval. The returned func stops the watcher and waits for it.
func (s *ExecSupervisor) watchIdle(ctx context.Context, target history.Target, w *idleWatch) func() {
	if s.idleNotice <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(max(s.idleNotice/4, time.Millisecond))
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
			}
			silent, total, ok := w.idle(s.idleNotice)
			if !ok {
				continue
			}
			now := s.now()
			emit(ctx, s.sink, s.log, history.ExecWait{
				Target:  target,
				TotalMs: total.Milliseconds(),
				Active:  true,
				Note: &history.ExecWaitNote{
					Message:   fmt.Sprintf("no output for %s", silent.Round(time.Second)),
					Tone:      history.ToneDim,
					Timestamp: now,
				},
			})
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// withExecEnv keeps command output plain so it renders as text.
func withExecEnv(base []string, extra map[string]string) []string {
	env := slices.Clone(base)
	env = setEnv(env, "NO_COLOR", "1")
	env = setEnv(env, "TERM", "dumb")
	env = setEnv(env, "PAGER", "cat")
	env = setEnv(env, "GIT_PAGER", "cat")
	env = setEnv(env, "GIT_TERMINAL_PROMPT", "0")
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = setEnv(env, k, extra[k])
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// pump turns writes from one output stream into ExecOutput events. Writes for a
// single stream are sequential, so offsets need no lock.
type pump struct {
	sink   Sink
	ctx    context.Context
	log    *logger.LogEntry
	target history.Target
	stream history.OutputStream
	tail   *tailRing
	watch  *idleWatch

	offset int64
	carry  []byte
}

func (p *pump) Write(b []byte) (int, error) {
	n := len(b)
	p.tail.append(b)
	if p.watch != nil {
		if total, resumed := p.watch.output(); resumed {
			emit(p.ctx, p.sink, p.log, history.ExecWait{Target: p.target, TotalMs: total.Milliseconds(), Active: false})
		}
	}
	buf := b
	if len(p.carry) > 0 {
		buf = append(p.carry, b...)
		p.carry = nil
	}
	cut := completeUTF8(buf)
	if cut < len(buf) {
		p.carry = slices.Clone(buf[cut:])
		buf = buf[:cut]
	}
	p.send(buf)
	return n, nil
}

func (p *pump) flush() {
	if len(p.carry) == 0 {
		return
	}
	buf := p.carry
	p.carry = nil
	p.send(buf)
}

func (p *pump) send(buf []byte) {
	if len(buf) == 0 {
		return
	}
	emit(p.ctx, p.sink, p.log, history.ExecOutput{
		Target: p.target,
		Stream: p.stream,
		Chunk:  history.ExecChunk{Offset: p.offset, Content: string(buf)},
	})
	p.offset += int64(len(buf))
}

// completeUTF8 returns the length of the longest prefix of b that does not end
// in the middle of a multi-byte sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// tailRing keeps the last max bytes written to it.
type tailRing struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (r *tailRing) append(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max <= 0 {
		r.max = defaultTailBytes
	}
	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return
	}
	if over := len(r.buf) + len(p) - r.max; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	r.buf = append(r.buf, p...)
}

func (r *tailRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.ToValidUTF8(string(r.buf), "")
}

// idleWatch tracks silence across both output streams.
type idleWatch struct {
	mu        sync.Mutex
	now       func() time.Time
	last      time.Time
	waiting   bool
	noted     time.Time
	waitTotal time.Duration
}

func newIdleWatch(now func() time.Time, start time.Time) *idleWatch {
	return &idleWatch{now: now, last: start}
}

// output records activity. resumed is true when the command had been
// reported idle.
func (w *idleWatch) output() (total time.Duration, resumed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if w.waiting {
		w.waitTotal += now.Sub(w.noted)
		w.waiting = false
		resumed = true
	}
	w.last = now
	return w.waitTotal, resumed
}

// idle reports whether another note is due: the command has been silent for
// at least threshold since the last output or the last note.
func (w *idleWatch) idle(threshold time.Duration) (silent, total time.Duration, due bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	since := w.last
	if w.waiting {
		since = w.noted
	}
	if now.Sub(since) < threshold {
		return 0, 0, false
	}
	if w.waiting {
		w.waitTotal += now.Sub(w.noted)
	} else {
		w.waitTotal += now.Sub(w.last)
	}
	w.waiting = true
	w.noted = now
	return now.Sub(w.last), w.waitTotal, true
}
