package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts idle sessions and logs an hourly usage report.
// It is a cancellable scheduled task: Stop blocks until any in-flight sweep
// has finished.
type Sweeper struct {
	registry *Registry
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
	cron     *cron.Cron
}

// NewSweeper constructs a sweeper with defaults applied.
func NewSweeper(registry *Registry, logger *slog.Logger, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
	}
}

// Start schedules the sweep and the hourly usage report.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := c.AddFunc("@hourly", s.report); err != nil {
		return fmt.Errorf("schedule usage report: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "ttl", s.ttl, "interval", s.interval)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to complete.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("sweeper stopped")
}

// SweepNow runs one eviction pass immediately and returns the count evicted.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	return s.registry.SweepExpired(ctx, time.Now(), s.ttl)
}

func (s *Sweeper) sweep() {
	evicted := s.registry.SweepExpired(context.Background(), time.Now(), s.ttl)
	if evicted > 0 {
		s.logger.Info("expired sessions evicted", "count", evicted)
	}
}

func (s *Sweeper) report() {
	st := s.registry.Stats()
	s.logger.Info("session usage",
		"sessions", st.Sessions,
		"artifacts", st.Artifacts,
		"total_bytes", st.TotalBytes)
}
