package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug}, {" WARN ", slog.LevelWarn}, {"warning", slog.LevelWarn},
		{"error", slog.LevelError}, {"", slog.LevelInfo}, {"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("block fetched", "block", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if record["msg"] != "block fetched" || record["block"] != float64(7) {
		t.Errorf("unexpected record %v", record)
	}
}

func TestRotatingWriter_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "funnel.log")
	writer, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(name)
		if err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
		if info.Size() != int64(len(chunk)) {
			t.Errorf("%s size %d, want %d", name, info.Size(), len(chunk))
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected at most 2 backups, got err %v", err)
	}
}

func TestRotatingWriter_TruncatesWithoutBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnel.log")
	writer, err := NewRotatingWriter(path, 1, 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()

	chunk := bytes.Repeat([]byte("y"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("expected truncated file of %d bytes, got %d", len(chunk), info.Size())
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("expected no backup, got err %v", err)
	}
}

func TestNewRotatingWriter_RequiresPath(t *testing.T) {
	if _, err := NewRotatingWriter("", 1, 1); err == nil {
		t.Error("expected error for empty path")
	}
}
