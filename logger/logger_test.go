package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	prev := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	}()
	fn()
	return buf.String()
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestStdLoggerLevelFilter(t *testing.T) {
	l := NewStdLogger("warn")
	out := captureOutput(func() {
		l.Debugw("debug msg")
		l.Infow("info msg")
		l.Warnw("warn msg")
		l.Errorw("error msg")
	})
	if strings.Contains(out, "debug msg") || strings.Contains(out, "info msg") {
		t.Errorf("below-threshold messages leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] warn msg") || !strings.Contains(out, "[ERROR] error msg") {
		t.Errorf("expected warn and error output, got %q", out)
	}
}

func TestStdLoggerStructuredContext(t *testing.T) {
	l := NewStdLogger("debug").WithComponent("lock").WithPath("/app/locks/job")
	out := captureOutput(func() {
		l.Infow("acquired", "node", "lock-x-0000000001")
	})
	for _, want := range []string{"component=lock", "path=/app/locks/job", "node=lock-x-0000000001"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestStdLoggerWithDoesNotMutateParent(t *testing.T) {
	parent := NewStdLogger("debug")
	child := parent.With("k", "v")
	out := captureOutput(func() {
		parent.Infow("plain")
	})
	if strings.Contains(out, "k=v") {
		t.Errorf("parent picked up the child's context: %q", out)
	}
	out = captureOutput(func() {
		child.Infow("enriched")
	})
	if !strings.Contains(out, "k=v") {
		t.Errorf("child lost its context: %q", out)
	}
}

func TestStdLoggerSkipsMalformedPairs(t *testing.T) {
	l := NewStdLogger("debug")
	out := captureOutput(func() {
		l.Infow("msg", 42, "value-for-non-string-key", "ok", "yes")
	})
	if !strings.Contains(out, "ok=yes") {
		t.Errorf("well-formed pair dropped: %q", out)
	}
}

func TestNoOpLoggerOverrides(t *testing.T) {
	var got string
	l := &NoOpLogger{
		WarnwFunc: func(msg string, _ ...any) { got = msg },
	}
	l.Debugw("ignored")
	l.Warnw("captured")
	if got != "captured" {
		t.Errorf("WarnwFunc not invoked, got %q", got)
	}
	if l.With("k", "v") != Logger(l) || l.WithComponent("c") != Logger(l) || l.WithPath("/p") != Logger(l) {
		t.Error("NoOpLogger With variants must return the receiver")
	}
}
