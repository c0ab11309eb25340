package telemetry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger_WritesRedactedJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()

	logger.Info("dispatch", "bot_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")

	b, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := string(b); !contains(got, "[REDACTED]") {
		t.Fatalf("expected redacted token in log, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug").String() != "DEBUG" {
		t.Fatalf("expected DEBUG")
	}
	if parseLevel("bogus").String() != "INFO" {
		t.Fatalf("expected default INFO")
	}
}
