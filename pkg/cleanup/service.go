// Package cleanup enforces the kernel's retention policy (§4.5, §4.3
// step 7): terminal runs are kept at least 90 days, and idempotency
// records are purged once their TTL has passed.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/registry"
)

// Config controls the cleanup loop's cadence and retention window.
type Config struct {
	// RunRetention is the minimum age a terminal run must reach before it
	// becomes eligible for deletion. §4.5 fixes this at 90 days; it is
	// configurable here for tests and for an operator who needs a
	// different compliance window.
	RunRetention time.Duration

	// Interval is how often the background loop runs.
	Interval time.Duration
}

// DefaultConfig returns the built-in retention defaults.
func DefaultConfig() Config {
	return Config{
		RunRetention: 90 * 24 * time.Hour,
		Interval:     12 * time.Hour,
	}
}

// idempotencyPurger is the subset of storage.IdempotencyStore the
// cleanup service needs; satisfied by its PurgeExpired method directly,
// no adapter required.
type idempotencyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service periodically enforces retention: deletes terminal runs past
// their retention window and expired idempotency records. All operations
// are idempotent and safe to run from multiple replicas.
type Service struct {
	cfg     Config
	runs    *registry.Registry
	idemp   idempotencyPurger
	clock   clock.Clock
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup Service. log may be nil, in which case
// slog.Default() is used.
func NewService(cfg Config, runs *registry.Registry, idemp idempotencyPurger, c clock.Clock, log *slog.Logger) *Service {
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = DefaultConfig().RunRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, runs: runs, idemp: idemp, clock: c, log: log}
}

// Start launches the background cleanup loop. Calling Start twice
// without an intervening Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("cleanup service started",
		"run_retention", s.cfg.RunRetention, "interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeTerminalRuns(ctx)
	s.purgeExpiredIdempotency(ctx)
}

func (s *Service) purgeTerminalRuns(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.RunRetention)
	count, err := s.runs.PurgeTerminal(ctx, cutoff)
	if err != nil {
		s.log.Error("retention: purge terminal runs failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("retention: purged terminal runs", "count", count)
	}
}

func (s *Service) purgeExpiredIdempotency(ctx context.Context) {
	count, err := s.idemp.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		s.log.Error("retention: purge expired idempotency records failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("retention: purged expired idempotency records", "count", count)
	}
}

// PurgeTenant immediately deletes every run for tenantID, for an
// explicit tenant-scoped purge request (§4.5), bypassing the retention
// window entirely.
func (s *Service) PurgeTenant(ctx context.Context, tenantID string) (int64, error) {
	return s.runs.PurgeTenant(ctx, tenantID)
}
