// Command agent runs one agent-client process: it connects to a
// coordinator, registers its capabilities, and executes tasks assigned to
// it over the control-plane stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/go-claw/internal/agentclient"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/telemetry"
	"github.com/mattn/go-isatty"
)

func main() {
	homeDir := flag.String("home", defaultHomeDir(), "agent home directory (logs/, cache/)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadAgentConfig()

	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(*homeDir, "agent-"+cfg.AgentID, "info", quiet)
	if err != nil {
		slog.Error("logger_init_failed", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "agent_id", cfg.AgentID, "type", cfg.AgentType, "server", cfg.CoordinationServer)

	client := agentclient.New(cfg, logger)
	client.Run(ctx)

	logger.Info("shutdown_complete", "agent_id", cfg.AgentID)
}

func defaultHomeDir() string {
	if v := os.Getenv("GOCLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.goclaw-agent"
}
