// Command tarsrouter is the TARS message router: it orchestrates the voice
// assistant's services over MQTT, turning transcripts into LLM requests and
// streamed replies into speech.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tars-assistant/router/internal/app"
	"github.com/tars-assistant/router/internal/broker"
	"github.com/tars-assistant/router/internal/config"
	"github.com/tars-assistant/router/internal/observe"
)

// Exit codes. Supervisors (systemd, docker) key restart policy off these.
const (
	exitOK     = 0 // clean shutdown
	exitConfig = 1 // configuration rejected
	exitBroker = 2 // broker unreachable or refused us
	exitFatal  = 3 // a processing loop failed
)

var version = "dev" // overridden via -ldflags at release time

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	rulesPath := flag.String("rules", "", "path to a YAML rules file (overrides RULES_FILE)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tarsrouter", version)
		return exitOK
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tarsrouter: %v\n", err)
		return exitConfig
	}
	if *rulesPath != "" {
		cfg.RulesFile = *rulesPath
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("tarsrouter starting",
		"version", version,
		"broker", cfg.MQTTURL,
		"client_id", cfg.ClientID,
		"listen_addr", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitConfig
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitConfig
	}

	slog.Info("router ready — press Ctrl+C to shut down")

	code := exitOK
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		if errors.Is(err, broker.ErrBrokerConfig) || errors.Is(err, broker.ErrSubscribeFailed) {
			code = exitBroker
		} else {
			code = exitFatal
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if code == exitOK {
			code = exitFatal
		}
	}
	if code == exitOK {
		slog.Info("goodbye")
	}
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        tarsrouter — startup           ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Broker", cfg.MQTTURL)
	printRow("Client id", cfg.ClientID)
	printRow("Listen addr", cfg.ListenAddr)
	if cfg.Wake.AlwaysListen {
		printRow("Wake mode", "always listen")
	} else {
		printRow("Wake mode", fmt.Sprintf("gated / %s idle", cfg.Wake.IdleTimeout))
	}
	if cfg.Stream.Enabled {
		printRow("Streaming", fmt.Sprintf("on (min %d chars)", cfg.Stream.MinChars))
	} else {
		printRow("Streaming", "off")
	}
	if cfg.RulesFile != "" {
		printRow("Rules file", cfg.RulesFile)
	} else {
		printRow("Rules file", "(built-in)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len([]rune(value)) > 23 {
		value = string([]rune(value)[:22]) + "…"
	}
	fmt.Printf("║  %-11s : %-23s ║\n", key, value)
}
