// Package cron runs the coordinator's two periodic jobs — the heartbeat
// monitor and the router rebalance pass — on robfig/cron/v3 schedules,
// grounded on the teacher's Scheduler lifecycle (context-driven Start/Stop
// over a background goroutine).
package cron

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// Config holds the scheduler's dependencies. HeartbeatFn and RebalanceFn are
// plain closures rather than an interface, since gateway.Server's monitor
// method takes a time.Duration argument the scheduler must close over.
type Config struct {
	Logger                   *slog.Logger
	HeartbeatMonitorInterval string // robfig "@every" spec, e.g. "@every 30s"
	RebalanceInterval        string // robfig "@every" spec, e.g. "@every 60s"
	HeartbeatFn              func()
	RebalanceFn              func()
}

// Scheduler wraps a robfig/cron/v3 Cron running the coordinator's two
// background jobs.
type Scheduler struct {
	logger *slog.Logger
	c      *cronlib.Cron
}

// NewScheduler builds and schedules both jobs but does not start them; call
// Start to begin running.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cronlib.New()

	if cfg.HeartbeatFn != nil {
		if _, err := c.AddFunc(cfg.HeartbeatMonitorInterval, func() {
			logger.Debug("heartbeat_monitor_tick")
			cfg.HeartbeatFn()
		}); err != nil {
			return nil, err
		}
	}
	if cfg.RebalanceFn != nil {
		if _, err := c.AddFunc(cfg.RebalanceInterval, func() {
			logger.Debug("rebalance_tick")
			cfg.RebalanceFn()
		}); err != nil {
			return nil, err
		}
	}

	return &Scheduler{logger: logger, c: c}, nil
}

// Start begins running scheduled jobs. It returns immediately; jobs run on
// cron's own goroutines until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	s.logger.Info("cron_scheduler_started", "entries", len(s.c.Entries()))
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop cancels all scheduled jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.c.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron_scheduler_stopped")
}
