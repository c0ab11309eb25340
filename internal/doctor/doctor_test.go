package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chorushq/chorus/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckHomeDir_Writable(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkHomeDir(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckHomeDir_Unwritable(t *testing.T) {
	cfg := &config.Config{HomeDir: filepath.Join(t.TempDir(), "does", "not", "exist")}
	result := checkHomeDir(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing directory, got %s", result.Status)
	}
}

func TestCheckHomeDir_NilConfig(t *testing.T) {
	result := checkHomeDir(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensAndQueries(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.DBPath = filepath.Join(cfg.HomeDir, "chorus.db")

	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}

func TestCheckDatabase_NilConfig(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", result.Status)
	}
}

func TestCheckTelegram_NoTokenWarns(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{BotTokenEnv: "CHORUS_TEST_TOKEN_UNSET"}}
	t.Setenv("CHORUS_TEST_TOKEN_UNSET", "")

	result := checkTelegram(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when token unset, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckTelegram_NilConfig(t *testing.T) {
	result := checkTelegram(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", result.Status)
	}
}

func TestRun_ProducesAllChecks(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.DBPath = filepath.Join(cfg.HomeDir, "chorus.db")

	d := Run(context.Background(), cfg, "test-version")
	if len(d.Results) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(d.Results))
	}
	if d.System.Version != "test-version" {
		t.Fatalf("expected version stamped, got %q", d.System.Version)
	}
}
