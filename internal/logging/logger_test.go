package logging

import (
	"strings"
	"testing"
)

func TestLoggerWritesAndRetains(t *testing.T) {
	var out strings.Builder
	logger := New(&out, LevelDebug)

	logger.Info("instance started", map[string]string{"instance_id": "abc"})

	line := out.String()
	if !strings.Contains(line, "info") || !strings.Contains(line, "instance started") {
		t.Fatalf("sink line = %q", line)
	}
	if !strings.Contains(line, `instance_id="abc"`) {
		t.Fatalf("sink line missing field: %q", line)
	}

	entries := logger.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("retained %d entries, want 1", len(entries))
	}
	if entries[0].Message != "instance started" || entries[0].Fields["instance_id"] != "abc" {
		t.Fatalf("retained entry = %+v", entries[0])
	}
}

func TestLoggerFiltersBelowMinimum(t *testing.T) {
	var out strings.Builder
	logger := New(&out, LevelWarn)

	logger.Debug("noise", nil)
	logger.Info("more noise", nil)
	logger.Warn("kept", nil)

	if got := len(logger.Recent(0)); got != 1 {
		t.Fatalf("retained %d entries, want only the warning", got)
	}
	if strings.Contains(out.String(), "noise") {
		t.Fatalf("suppressed entry reached the sink: %q", out.String())
	}
}

func TestWithAddsBaseFields(t *testing.T) {
	var out strings.Builder
	logger := New(&out, LevelDebug)
	child := logger.With(map[string]string{"instance_id": "abc"})

	child.Info("spawned", map[string]string{"port": "4100"})

	entries := logger.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("retained %d entries, want 1", len(entries))
	}
	fields := entries[0].Fields
	if fields["instance_id"] != "abc" || fields["port"] != "4100" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestRecentReturnsOldestFirst(t *testing.T) {
	var out strings.Builder
	logger := New(&out, LevelDebug)

	for _, msg := range []string{"one", "two", "three"} {
		logger.Info(msg, nil)
	}

	last := logger.Recent(2)
	if len(last) != 2 || last[0].Message != "two" || last[1].Message != "three" {
		t.Fatalf("Recent(2) = %+v", last)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	logger.With(map[string]string{"k": "v"}).Error("still ignored", nil)
	if got := logger.Recent(0); got != nil {
		t.Fatalf("Recent on nil logger = %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"ERROR":   LevelError,
	}
	for input, want := range cases {
		got, ok := ParseLevel(input)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", input, got, ok)
		}
	}
	if _, ok := ParseLevel("chatty"); ok {
		t.Fatal("unknown level parsed as valid")
	}
}
