package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"nonsense", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "scheduler", LevelWarn)

	logger.Debugf("dropped debug")
	logger.Infof("dropped info")
	logger.Warnf("kept warn")
	logger.Errorf("kept error")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-level lines leaked: %q", out)
	}
	if !strings.Contains(out, "kept warn") || !strings.Contains(out, "kept error") {
		t.Errorf("at-level lines missing: %q", out)
	}
}

func TestLoggerLineFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "gates", LevelInfo)

	logger.Infof("checkpoint=%s done", "auth")

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, " INFO gates: checkpoint=auth done") {
		t.Errorf("unexpected line format: %q", line)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Infof("no panic")
	logger.Errorf("no panic")
}
