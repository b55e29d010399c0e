package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in         string
		wantLevel  string
		wantSource string
		wantMsg    string
	}{
		{"[Dispatcher] Routing to agent alice\n", LogLevelInfo, "dispatcher", "Routing to agent alice"},
		{"2024/01/02 15:04:05 [Queue] Failed to claim x.json", LogLevelError, "queue", "Failed to claim x.json"},
		{"[Settings] Warning: skipping team", LogLevelWarn, "settings", "Warning: skipping team"},
		{"plain message", LogLevelInfo, "system", "plain message"},
	}

	for _, tt := range tests {
		level, source, msg := parseLine(tt.in)
		if level != tt.wantLevel || source != tt.wantSource || msg != tt.wantMsg {
			t.Errorf("parseLine(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tt.in, level, source, msg, tt.wantLevel, tt.wantSource, tt.wantMsg)
		}
	}
}

func TestManager_PersistsAndTails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queue.log")
	var console bytes.Buffer
	m := NewManager(path, &console)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.Info("queue", "line "+string(rune('a'+i)), nil)
	}

	lines, err := m.TailFile(3)
	if err != nil {
		t.Fatalf("TailFile: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if !strings.HasSuffix(lines[2], "line e") || !strings.Contains(lines[0], "[INFO]") {
		t.Errorf("unexpected tail %q", lines)
	}

	data, _ := os.ReadFile(path)
	if strings.Count(string(data), "\n") != 5 {
		t.Errorf("expected 5 persisted lines, got %q", data)
	}
	if console.Len() == 0 {
		t.Error("console mirror is empty")
	}
}

func TestManager_GetRecentNewestFirst(t *testing.T) {
	m := NewManager("", nil)

	m.Info("a", "first", nil)
	m.Error("b", "second", nil)
	m.Info("a", "third", nil)

	recent := m.GetRecent(2, "", "")
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2", len(recent))
	}
	if recent[0].Message != "third" || recent[1].Message != "second" {
		t.Errorf("unexpected order: %q, %q", recent[0].Message, recent[1].Message)
	}

	errs := m.GetRecent(10, LogLevelError, "")
	if len(errs) != 1 || errs[0].Source != "b" {
		t.Errorf("level filter failed: %+v", errs)
	}
}

func TestManager_TailFileMissing(t *testing.T) {
	m := &Manager{path: filepath.Join(t.TempDir(), "absent.log")}
	lines, err := m.TailFile(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines, got %v", lines)
	}
}
