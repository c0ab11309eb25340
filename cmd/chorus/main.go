// Command chorus runs the personal AI-agent orchestration daemon: the Run
// Service, the Scheduled-Task Service, a Telegram ingest/bridge pair, and
// (interactively) a chat REPL in front of them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-isatty"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/bridge"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/channels"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/doctor"
	"github.com/chorushq/chorus/internal/otel"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/chorushq/chorus/internal/runexec"
	"github.com/chorushq/chorus/internal/runservice"
	"github.com/chorushq/chorus/internal/shared"
	"github.com/chorushq/chorus/internal/tasks"
	"github.com/chorushq/chorus/internal/telemetry"
	"github.com/chorushq/chorus/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the interactive chat REPL

DAEMON MODE:
  %s -daemon                  Start daemon (no REPL, logs to stdout)

SUBCOMMANDS:
  %s status                   Show run/task counters
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHORUS_HOME             Data directory (default: ~/.chorus)
  CHORUS_NO_REPL          Set to 1 to disable the chat REPL (use with -daemon)
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CHORUS_NO_REPL") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no chat REPL, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()
	if *daemon {
		interactive = false
	}
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		}
	}

	homeDir := config.HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	var metricsEnabled *bool
	if cfg.OTel.MetricsEnabled {
		v := true
		metricsEnabled = &v
	}
	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: metricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New(bus.Config{
		RingBufferSize:    cfg.Progress.RingBufferSize,
		TerminalRetention: cfg.Progress.TerminalRetention,
		Logger:            logger,
	})

	exec := runexec.New(store, eventBus, defaultAgentFactory, logger)
	runSvc := runservice.New(store, eventBus, exec, logger)
	if err := runSvc.Init(ctx); err != nil {
		fatalStartup(logger, "E_RUNSERVICE_INIT", err)
	}
	defer runSvc.Shutdown()
	logger.Info("startup phase", "phase", "run_service_started")

	bridges := map[string]tasks.MessengerBridge{}
	if token := cfg.BotToken(); token != "" {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			logger.Error("telegram bot init failed", "error", err)
		} else {
			tgBridge := bridge.NewTelegramBridge(bridge.Config{
				Bot:            bot,
				Progress:       runSvc,
				ReporterConfig: cfg.Reporter,
				Logger:         logger,
			})
			bridges["telegram"] = tgBridge

			telegramChannel := channels.NewTelegramChannel(
				token, cfg.Telegram.AllowedUserIDs, runSvc, runSvc, cfg.Reporter, logger,
			)
			go func() {
				if err := telegramChannel.Start(ctx); err != nil {
					logger.Error("telegram channel stopped", "error", err)
				}
			}()
			logger.Info("startup phase", "phase", "telegram_started")
		}
	} else {
		logger.Info("telegram disabled", "reason", fmt.Sprintf("%s not set", cfg.Telegram.BotTokenEnv))
	}

	taskSvc := tasks.New(tasks.Config{
		Store:        store,
		RunService:   runSvc,
		Bridges:      bridges,
		Logger:       logger,
		TickInterval: cfg.Scheduler.TickInterval,
	})
	taskSvc.Start(ctx)
	defer taskSvc.Stop()
	logger.Info("startup phase", "phase", "task_service_started")

	if interactive {
		go func() {
			model := tui.NewChatModel(runSvc, "cli:default", "local-user", cfg.Reporter, logger)
			if err := model.Run(); err != nil {
				logger.Error("chat REPL exited with error", "error", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

// defaultAgentFactory stands up the in-memory fake AgentSession in place of
// the real coding-agent runtime, which this repo consumes only through the
// agent.Session contract and never implements.
func defaultAgentFactory(threadKey, sessionID, sessionFilePath string) (agent.Session, string, string, error) {
	if sessionID == "" {
		sessionID = shared.NewID()
	}
	return agent.NewFakeSession(), sessionID, sessionFilePath, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "", "runtime.startup", reasonCode+": "+message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "output JSON")
	_ = fs.Parse(args)

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}

	d := doctor.Run(ctx, &cfg, Version)
	if *asJSON {
		b, _ := json.MarshalIndent(d, "", "  ")
		fmt.Println(string(b))
	} else {
		fmt.Printf("chorus doctor — %s %s/%s go%s\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("[%-4s] %-18s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}

	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open failed: %v\n", err)
		return 1
	}
	defer store.Close()

	running, err := store.ListRunningRuns(ctx, 1000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		return 1
	}
	tasksDue, err := store.ListDueTasks(ctx, time.Now().UTC(), 1000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		return 1
	}

	fmt.Printf("running runs: %d\n", len(running))
	fmt.Printf("due tasks:    %d\n", len(tasksDue))
	return 0
}
