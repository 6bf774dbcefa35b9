package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestPlainFormatter_EventPrefixAndFieldSkipping(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	cases := []struct {
		name    string
		data    logrus.Fields
		message string
		want    string
	}{
		{
			name: "with event",
			data: logrus.Fields{
				"component": "history",
				"event":     "exec_end",
				"caller":    "x.go:1",
				"call_id":   "c1",
				"id":        3,
			},
			message: "dropped stale event",
			want:    "x.go:1 [2025-01-02T03:04:05Z] [INFO] [history] [event=exec_end] dropped stale event call_id=c1 id=3\n",
		},
		{
			name: "without event",
			data: logrus.Fields{
				"component": "render",
				"caller":    "x.go:1",
				"width":     80,
			},
			message: "width changed",
			want:    "x.go:1 [2025-01-02T03:04:05Z] [INFO] [render] width changed width=80\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := &logrus.Entry{
				Logger:  logrus.New(),
				Time:    ts,
				Level:   logrus.InfoLevel,
				Message: tc.message,
				Data:    tc.data,
			}
			out, err := (PlainFormatter{}).Format(entry)
			if err != nil {
				t.Fatalf("Format() error: %v", err)
			}
			got := string(out)
			if got != tc.want {
				t.Fatalf("unexpected format:\nwant: %q\ngot:  %q", tc.want, got)
			}
			if _, ok := tc.data["event"]; ok && strings.Count(got, "exec_end") != 1 {
				t.Fatalf("expected event to appear only once in output, got: %q", got)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	prev := Root().GetLevel()
	t.Cleanup(func() { Root().SetLevel(prev) })

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel(debug): %v", err)
	}
	if Root().GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", Root().GetLevel())
	}
	if err := SetLevel(""); err != nil {
		t.Fatalf("SetLevel(empty): %v", err)
	}
	if Root().GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v, want info", Root().GetLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetupComponentFile_WritesComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "store.log")
	entry, closer, resolved, err := SetupComponentFile("store", path)
	if err != nil {
		t.Fatalf("SetupComponentFile: %v", err)
	}
	entry.Warn("desync")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[store] desync") {
		t.Fatalf("log missing component line: %q", data)
	}
}

func TestStreamLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(PlainFormatter{})
	l.SetLevel(logrus.DebugLevel)

	sl := NewStreamLogger(logrus.NewEntry(l).WithField("component", "stream"))
	sl.Chunk("s1", 2, "a\nb")
	sl.Error("s1", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, `text=a\nb`) {
		t.Fatalf("chunk text not sanitized: %q", out)
	}
	if !strings.Contains(out, "stream_id=s1") || !strings.Contains(out, "boom") {
		t.Fatalf("missing stream fields: %q", out)
	}
}
