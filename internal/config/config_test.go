package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Progress.RingBufferSize != 256 {
		t.Fatalf("expected default ring buffer size 256, got %d", cfg.Progress.RingBufferSize)
	}
	if cfg.Scheduler.TickInterval != 5*time.Second {
		t.Fatalf("expected default tick interval 5s, got %v", cfg.Scheduler.TickInterval)
	}
}

func TestLoad_OverridesMerge(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "log_level: debug\nprogress:\n  ring_buffer_size: 64\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if cfg.Progress.RingBufferSize != 64 {
		t.Fatalf("expected overridden ring buffer size 64, got %d", cfg.Progress.RingBufferSize)
	}
	if cfg.Reporter.MessageCharLimit != 3500 {
		t.Fatalf("expected default message char limit preserved, got %d", cfg.Reporter.MessageCharLimit)
	}
}
