package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "logs", "node.log")
	if err := Init(path, "warn"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("Peer dropped", "peer", "p1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "peer=p1") {
		t.Errorf("expected structured attribute in %q", out)
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init(filepath.Join(t.TempDir(), "x.log"), "shout"); err == nil {
		t.Error("expected error for unknown level")
	}
}
