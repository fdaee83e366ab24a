package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONWithProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "huddled.log")

	logger, err := New(path, "coach", WithoutStderr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("engine started", zap.String("status", "ready"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	if entry["profile"] != "coach" || entry["msg"] != "engine started" || entry["status"] != "ready" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestWithLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddled.log")

	logger, err := New(path, "main", WithoutStderr(), WithLevel(zapcore.WarnLevel))
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("log = %s", data)
	}
}
