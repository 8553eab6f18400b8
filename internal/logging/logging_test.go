package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/amm-engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amm.log")
	logger, closer := New(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1})

	logger.Info("dropped below level")
	logger.Warn("market closed", "market_id", "m1")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "dropped below level") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"market_id":"m1"`) || !strings.Contains(out, `"service":"amm-engine"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}
