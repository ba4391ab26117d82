package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tangzhangming/tierjit/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, err := New(config.LogOptions{Level: "info", Encoding: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Named(Engine).Info("opt done")
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "opt done") || !strings.Contains(text, `"engine"`) {
		t.Errorf("log output missing entry: %s", text)
	}
	if strings.Contains(text, "hidden") {
		t.Errorf("debug entry should be filtered: %s", text)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(config.LogOptions{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New(config.LogOptions{Encoding: "xml"}); err == nil {
		t.Error("expected error for bad encoding")
	}
}
