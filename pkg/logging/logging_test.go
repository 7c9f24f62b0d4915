package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
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
		{"", LevelInfo},
		{"bogus", LevelInfo},
		{"  info  ", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelDebug.String() != "DEBUG" {
		t.Errorf("LevelDebug.String() = %s", LevelDebug.String())
	}
	if LogLevel(99).String() != "UNKNOWN" {
		t.Errorf("unknown level String() = %s", LogLevel(99).String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "should be filtered")
	Info("Test", "should be filtered too")
	Warn("Test", "warning visible")
	Error("Test", errors.New("boom"), "error visible")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("expected debug/info to be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "warning visible") {
		t.Errorf("expected warning in output, got: %s", out)
	}
	if !strings.Contains(out, "error visible") || !strings.Contains(out, "boom") {
		t.Errorf("expected error with cause in output, got: %s", out)
	}
}

func TestSubsystemAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Info("PortReconciler", "checking ports")

	if !strings.Contains(buf.String(), "subsystem=PortReconciler") {
		t.Errorf("expected subsystem attribute, got: %s", buf.String())
	}
}

func TestFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Info("Test", "port %d mode %s", 9090, "sidecar")

	if !strings.Contains(buf.String(), "port 9090 mode sidecar") {
		t.Errorf("expected formatted message, got: %s", buf.String())
	}
}
