package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesRedactedJSONL(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Record(context.Background(), "run-1", "status_transition", "token=abcdef1234567890abcdef")

	b, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty audit log")
	}
	if got := string(b); !strings.Contains(got, "[REDACTED]") || strings.Contains(got, "abcdef1234567890abcdef") {
		t.Fatalf("expected token value redacted in audit log, got %q", got)
	}
}
