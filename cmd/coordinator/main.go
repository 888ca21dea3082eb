// Command coordinator runs the agent-orchestration control plane: the task
// router, session gateway, lifecycle engine, shared-context synchronizer,
// and dashboard publisher described in the coordinator specification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/cron"
	"github.com/basket/go-claw/internal/dashboard"
	"github.com/basket/go-claw/internal/gateway"
	"github.com/basket/go-claw/internal/lifecycle"
	"github.com/basket/go-claw/internal/model"
	internalotel "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/persistence"
	"github.com/basket/go-claw/internal/router"
	"github.com/basket/go-claw/internal/sharedcontext"
	"github.com/basket/go-claw/internal/telemetry"
	"github.com/mattn/go-isatty"
)

func main() {
	homeDir := flag.String("home", defaultHomeDir(), "coordinator home directory (config.yaml, logs/, db)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadCoordinatorConfig(*homeDir)
	if err != nil {
		fatalStartup(nil, "config load failed", err)
	}

	if err := audit.Init(*homeDir); err != nil {
		fatalStartup(nil, "audit init failed", err)
	}
	defer func() { _ = audit.Close() }()

	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(*homeDir, "coordinator", cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "logger init failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "fingerprint", cfg.Fingerprint(), "listen_addr", cfg.ListenAddr)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "persistence open failed", err)
	}
	defer func() { _ = store.Close() }()
	audit.SetDB(store.DB())

	otelProvider, err := internalotel.Init(ctx, internalotel.Config{Enabled: cfg.OTelExporter != "none", Exporter: cfg.OTelExporter, ServiceName: "goclaw-coordinator"})
	if err != nil {
		fatalStartup(logger, "otel init failed", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := internalotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics init failed", err)
	}

	b := bus.NewWithLogger(logger)
	r := router.New(logger)
	engine := lifecycle.New(r, b, store, logger)
	engine.SetMetrics(metrics)
	sc := sharedcontext.New(logger, store)
	sc.SetMetrics(metrics)
	defer sc.Close()
	dash := dashboard.New(dashboard.ComposeSource(r, engine), b)

	srv := gateway.New(gateway.Config{
		Router:        r,
		Engine:        engine,
		SharedContext: sc,
		Dashboard:     dash,
		Bus:           b,
		Auth:          cfg.Auth(),
		AllowOrigins:  cfg.AllowOrigins,
		Logger:        logger,
		Metrics:       metrics,
	})

	scheduler, err := cron.NewScheduler(cron.Config{
		Logger:                   logger,
		HeartbeatMonitorInterval: everySpec(cfg.HeartbeatMonitorInterval),
		RebalanceInterval:        everySpec(cfg.RebalanceInterval),
		HeartbeatFn:              func() { srv.RunHeartbeatMonitor(cfg.UnresponsiveAfter) },
		RebalanceFn:              srv.RunRebalance,
	})
	if err != nil {
		fatalStartup(logger, "cron scheduler init failed", err)
	}
	scheduler.Start(ctx)
	go sampleGauges(ctx, metrics, r, b)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if isAddrInUse(err) {
				fatalStartup(logger, "listen address already in use", model.ErrResourceBusy)
			}
			fatalStartup(logger, "http server failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		scheduler.Stop()
	}
}

// sampleGauges periodically reconciles the connected-agents and
// bus-dropped-events gauges, which the engine has no natural call site for.
func sampleGauges(ctx context.Context, m *internalotel.Metrics, r *router.Router, b *bus.Bus) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastAgents, lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := int64(0)
			for _, a := range r.Agents() {
				if a.Status != model.AgentDisconnected {
					connected++
				}
			}
			m.ConnectedAgents.Add(ctx, connected-lastAgents)
			lastAgents = connected

			dropped := b.DroppedEventCount()
			m.BusEventsDropped.Add(ctx, dropped-lastDropped)
			lastDropped = dropped
		}
	}
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

const shutdownGrace = 10 * time.Second

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}

func defaultHomeDir() string {
	if v := os.Getenv("GOCLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.goclaw"
}

func fatalStartup(logger *slog.Logger, reason string, err error) {
	if logger != nil {
		logger.Error("fatal_startup", "reason", reason, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "fatal startup error: %s: %v\n", reason, err)
	}
	os.Exit(1)
}
