// Concierge is a conversational Home Assistant companion, reachable
// over Telegram. It answers questions about the home, controls
// devices, watches entities for state changes, and runs service calls
// on a schedule, all through natural-language conversation.
//
// Usage:
//
//	concierge serve       Start the bot
//	concierge version     Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/foyerlabs/concierge/internal/agent"
	"github.com/foyerlabs/concierge/internal/alerts"
	"github.com/foyerlabs/concierge/internal/buildinfo"
	"github.com/foyerlabs/concierge/internal/config"
	"github.com/foyerlabs/concierge/internal/events"
	"github.com/foyerlabs/concierge/internal/homeassistant"
	"github.com/foyerlabs/concierge/internal/llm"
	"github.com/foyerlabs/concierge/internal/mqtt"
	"github.com/foyerlabs/concierge/internal/scheduler"
	"github.com/foyerlabs/concierge/internal/store"
	"github.com/foyerlabs/concierge/internal/telegram"
	"github.com/foyerlabs/concierge/internal/tools"
	"github.com/foyerlabs/concierge/internal/transcription"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic so the
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run
// concurrently from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %q (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `concierge - conversational Home Assistant companion

Usage:
  concierge [serve]           Start the bot (default command)
  concierge version           Print version and build information

Flags:
  -config <path>              Config file path (default: search %v)
`, config.DefaultSearchPaths())
	return nil
}

// runServe loads config, opens the store, connects to Home Assistant
// and the model provider, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting concierge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger only covers the startup banner.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Anthropic.Model,
		"ha_url", cfg.HomeAssistant.URL)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "concierge.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ha.Ping(pingCtx); err != nil {
		logger.Warn("Home Assistant unreachable at startup, continuing", "error", err)
	} else {
		logger.Info("connected to Home Assistant", "url", cfg.HomeAssistant.URL)
	}
	pingCancel()

	anthropic := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	registry := tools.NewRegistry(ha, st, logger)
	loop := agent.New(anthropic, registry, st, cfg.Anthropic.Model, logger)

	var transcriber telegram.Transcriber
	if cfg.OpenAI.APIKey != "" {
		transcriber = transcription.NewClient(cfg.OpenAI.APIKey, logger)
	} else {
		logger.Info("voice transcription disabled (openai.api_key not set)")
	}

	bus := events.New()

	bot, err := telegram.New(cfg.Telegram, loop, st, transcriber, bus, logger)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// every component.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(st, ha, bot, bus, logger)
	go sched.Run(ctx)

	eventClient := homeassistant.NewEventClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	go eventClient.Run(ctx, "state_changed")

	dispatcher := alerts.NewDispatcher(st, bot, eventClient.Events(), bus, logger)
	go dispatcher.Run(ctx)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		go mqttPub.ObserveEvents(ctx)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt status publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt status publishing disabled (not configured)")
	}

	// Blocks until ctx is cancelled.
	bot.Run(ctx)

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("concierge stopped")
	return nil
}

// newLogger standardizes the slog handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
