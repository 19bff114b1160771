package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRespectsConfiguredLevel(t *testing.T) {
	l := New(Config{Level: "warn", Format: "text"})
	if l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info-level logs to be disabled at warn level")
	}
	if !l.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error-level logs to be enabled at warn level")
	}
}

func TestNewDefaultsToInfoForUnknownLevel(t *testing.T) {
	l := New(Config{Level: "nonsense"})
	if !l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected an unrecognized level string to default to info")
	}
	if l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to stay disabled under the info default")
	}
}

func TestNewWritesToConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery-hawk.log")
	l := New(Config{Level: "info", Format: "json", Output: "file", File: path})
	l.Info("hello from the test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected the log file to contain the emitted record")
	}
}

func TestSetGlobalAndGlobalRoundTrip(t *testing.T) {
	custom := New(Config{Level: "debug"})
	SetGlobal(custom)
	if Global() != custom {
		t.Error("expected Global() to return the logger set via SetGlobal")
	}
}
