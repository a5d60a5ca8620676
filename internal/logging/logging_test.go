package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", FormatJSON)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Debug("hidden")
	l.Info("run started", zap.String("session", "abc"))
	l.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one entry, got %q", buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v", err)
	}
	if entry["message"] != "run started" || entry["level"] != "info" || entry["session"] != "abc" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Debug("worker exited", zap.Int("pid", 42))

	out := buf.String()
	if !strings.Contains(out, "DEBUG") || !strings.Contains(out, "worker exited") || !strings.Contains(out, `"pid": 42`) {
		t.Errorf("unexpected console output %q", out)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(nil, "loud", FormatJSON); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New(nil, "info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}
