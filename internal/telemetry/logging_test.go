package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task leased", "task_id", "task-1", "queue", "default")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "snapq" {
		t.Fatalf("expected component=snapq, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("auth check",
		"token", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1In0.c2ln",
		"auth_header", "Authorization: Bearer super-secret-token",
		"redis", "redis://:hunter22@cache:6379/0",
	)

	entry := readLastEntry(t, home)
	if entry["token"] != "[REDACTED]" {
		t.Fatalf("expected token redaction, got %#v", entry["token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if s, _ := entry["redis"].(string); strings.Contains(s, "hunter22") {
		t.Fatalf("redis password leaked: %q", s)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entry := readLastEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("msg = %#v, want kept", entry["msg"])
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(raw), "dropped") {
		t.Fatal("info record written at warn level")
	}
}

func TestTeeHandlerRespectsPerHandlerLevel(t *testing.T) {
	var a, b strings.Builder
	h := teeHandler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("tee should be enabled when any handler is")
	}
	slog.New(h).With("k", "v").Debug("hello")
	if !strings.Contains(a.String(), `"k":"v"`) {
		t.Fatalf("debug handler missed record: %q", a.String())
	}
	if b.Len() != 0 {
		t.Fatalf("error handler got debug record: %q", b.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
