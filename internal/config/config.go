// Package config loads the config.yaml configuration file and watches it
// for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunStoreConfig holds the Run Store's recovery sweep interval. The value is
// loaded and defaulted but not read by the Run Service, whose recovery sweep
// runs on a fixed 15s interval.
type RunStoreConfig struct {
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// SchedulerConfig tunes the Scheduled-Task Scheduler tick loop.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ProgressConfig tunes the per-run progress bus.
type ProgressConfig struct {
	RingBufferSize    int           `yaml:"ring_buffer_size"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

// ReporterConfig tunes the Progress Reporter's rate limiting and archival.
type ReporterConfig struct {
	MinEditInterval       time.Duration `yaml:"min_edit_interval"`
	MinThinkingInterval   time.Duration `yaml:"min_thinking_interval"`
	TypingHeartbeat       time.Duration `yaml:"typing_heartbeat"`
	MessageCharLimit      int           `yaml:"message_char_limit"`
	ArchiveFlushThreshold int           `yaml:"archive_flush_threshold"`
}

// TelegramConfig configures the messenger bridge/ingest adapter.
type TelegramConfig struct {
	BotTokenEnv    string  `yaml:"bot_token_env"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

// OTelConfig configures tracing/metrics export.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is the top-level config.yaml shape.
type Config struct {
	HomeDir  string          `yaml:"home_dir"`
	DBPath   string          `yaml:"db_path"`
	LogLevel string          `yaml:"log_level"`
	RunStore RunStoreConfig  `yaml:"run_store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Progress ProgressConfig  `yaml:"progress"`
	Reporter ReporterConfig  `yaml:"reporter"`
	Telegram TelegramConfig  `yaml:"telegram"`
	OTel     OTelConfig      `yaml:"otel"`
}

// ConfigPath returns the default config.yaml location under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "chorus.db"),
		LogLevel: "info",
		RunStore: RunStoreConfig{RecoveryInterval: 15 * time.Second},
		Scheduler: SchedulerConfig{TickInterval: 5 * time.Second},
		Progress: ProgressConfig{RingBufferSize: 256, TerminalRetention: 5 * time.Minute},
		Reporter: ReporterConfig{
			MinEditInterval:       1500 * time.Millisecond,
			MinThinkingInterval:   1800 * time.Millisecond,
			TypingHeartbeat:       4000 * time.Millisecond,
			MessageCharLimit:      3500,
			ArchiveFlushThreshold: 1800,
		},
		Telegram: TelegramConfig{BotTokenEnv: "CHORUS_TELEGRAM_TOKEN"},
		OTel:     OTelConfig{Exporter: "stdout", ServiceName: "chorus"},
	}
}

// HomeDir resolves the default home directory: $CHORUS_HOME or ~/.chorus.
func HomeDir() string {
	if v := os.Getenv("CHORUS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chorus"
	}
	return filepath.Join(home, ".chorus")
}

// Load reads config.yaml from homeDir, applying defaults for missing fields.
// A missing file is not an error: Load returns pure defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig(homeDir)
	path := ConfigPath(homeDir)

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.RunStore.RecoveryInterval <= 0 {
		cfg.RunStore.RecoveryInterval = 15 * time.Second
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = 5 * time.Second
	}
	if cfg.Progress.RingBufferSize <= 0 {
		cfg.Progress.RingBufferSize = 256
	}
	if cfg.Progress.TerminalRetention <= 0 {
		cfg.Progress.TerminalRetention = 5 * time.Minute
	}
	if cfg.Reporter.MinEditInterval <= 0 {
		cfg.Reporter.MinEditInterval = 1500 * time.Millisecond
	}
	if cfg.Reporter.MinThinkingInterval <= 0 {
		cfg.Reporter.MinThinkingInterval = 1800 * time.Millisecond
	}
	if cfg.Reporter.TypingHeartbeat <= 0 {
		cfg.Reporter.TypingHeartbeat = 4000 * time.Millisecond
	}
	if cfg.Reporter.MessageCharLimit <= 0 {
		cfg.Reporter.MessageCharLimit = 3500
	}
	if cfg.Reporter.ArchiveFlushThreshold <= 0 {
		cfg.Reporter.ArchiveFlushThreshold = 1800
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "chorus.db")
	}
}

// BotToken resolves the Telegram bot token from the configured env var.
func (c Config) BotToken() string {
	if c.Telegram.BotTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Telegram.BotTokenEnv)
}
