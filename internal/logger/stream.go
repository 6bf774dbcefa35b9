package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// StreamLogger 记录模型流式输出的请求、分片与结束。
type StreamLogger interface {
	Request(model, streamID string, messages int)
	Chunk(streamID string, seq uint64, text string)
	Complete(streamID string, chunks int)
	Error(streamID string, err error)
}

// StdStreamLogger 使用 logrus entry 输出流日志。
type StdStreamLogger struct {
	entry *LogEntry
}

// NewStreamLogger 构造默认实现；entry 为 nil 时使用 Named("stream")。
func NewStreamLogger(entry *LogEntry) *StdStreamLogger {
	if entry == nil {
		entry = Named("stream")
	}
	return &StdStreamLogger{entry: entry}
}

func (l *StdStreamLogger) Request(model, streamID string, messages int) {
	l.printf(logrus.InfoLevel, streamID, "-> request model=%s messages=%d", model, messages)
}

func (l *StdStreamLogger) Chunk(streamID string, seq uint64, text string) {
	l.printf(logrus.DebugLevel, streamID, "<- chunk seq=%d text=%s", seq, sanitize(text))
}

func (l *StdStreamLogger) Complete(streamID string, chunks int) {
	l.printf(logrus.InfoLevel, streamID, "<- stream completed chunks=%d", chunks)
}

func (l *StdStreamLogger) Error(streamID string, err error) {
	l.printf(logrus.ErrorLevel, streamID, "!! stream error: %v", err)
}

func (l *StdStreamLogger) printf(level logrus.Level, streamID, format string, args ...any) {
	if l == nil || l.entry == nil || !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	l.entry.WithField("stream_id", streamID).Log(level, fmt.Sprintf(format, args...))
}

// NoopStreamLogger 忽略所有输出。
type NoopStreamLogger struct{}

func (NoopStreamLogger) Request(string, string, int) {}

func (NoopStreamLogger) Chunk(string, uint64, string) {}

func (NoopStreamLogger) Complete(string, int) {}

func (NoopStreamLogger) Error(string, error) {}

func sanitize(text string) string {
	text = strings.ReplaceAll(text, "\n", `\n`)
	return strings.ReplaceAll(text, "\r", `\r`)
}
