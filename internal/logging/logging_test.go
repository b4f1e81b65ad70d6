package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDiscardDropsEveryLevel(t *testing.T) {
	log := Discard()
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if log.Enabled(context.Background(), l) {
			t.Errorf("Expected level %v to be disabled", l)
		}
	}
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	root := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	Component(root, "scheduler").Info("task exited", "id", 3)

	out := buf.String()
	if !strings.Contains(out, "component=scheduler") || !strings.Contains(out, "id=3") {
		t.Fatalf("Expected component and id attributes, got: %s", out)
	}
}

func TestComponentKeepsParentAttributes(t *testing.T) {
	var buf bytes.Buffer
	root := NewLoggerWithWriter(slog.LevelInfo, "json", &buf).With("boot_id", "b1")

	Component(root, "vmm").Warn("scratch buffer leak")

	out := buf.String()
	if !strings.Contains(out, `"boot_id":"b1"`) || !strings.Contains(out, `"component":"vmm"`) {
		t.Fatalf("Expected boot_id and component in JSON, got: %s", out)
	}
}

func TestComponentWithoutParent(t *testing.T) {
	log := Component(nil, "pmm")
	if log == nil {
		t.Fatalf("Expected a logger")
	}
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("Expected a nil parent to give a discarding logger")
	}
	log.Error("dropped")
}

func TestNewLoggerWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(ParseLevel("warn"), "TEXT", &buf)

	log.Info("spawn", "path", "INIT")
	log.Warn("spawn failed", "stage", "read")

	out := buf.String()
	if strings.Contains(out, "msg=spawn ") {
		t.Errorf("Expected info record filtered at warn, got: %s", out)
	}
	if !strings.Contains(out, "stage=read") {
		t.Errorf("Expected warn record in output, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
