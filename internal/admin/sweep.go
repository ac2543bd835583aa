package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/resilientgw/rpg/internal/rpg"
)

// Sweeper periodically logs a one-line health digest per provider, on a
// cron schedule, giving operators a pulse without needing to scrape
// /metrics or poll /providers. A single TryLock guards against a slow
// digest run overlapping the next tick; overlapping ticks are skipped,
// not queued.
type Sweeper struct {
	gw       *rpg.Gateway
	logger   *slog.Logger
	schedule string

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	run    sync.Mutex
}

// NewSweeper builds a health-digest sweeper. schedule is a 5-field cron
// expression; a sensible default is "*/1 * * * *" (every minute).
func NewSweeper(gw *rpg.Gateway, logger *slog.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "*/1 * * * *"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{gw: gw, logger: logger, schedule: schedule}
}

// Start begins running the health digest on its schedule.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	_, err := s.cron.AddFunc(s.schedule, func() { s.tick(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("admin: invalid health digest schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("admin: health digest sweeper started", "schedule", s.schedule)
	return nil
}

// Stop cancels the run context and waits for an in-flight tick to finish.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("admin: health digest sweeper stopped")
	}
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.run.TryLock() {
		s.logger.Warn("admin: health digest still running, skipping tick")
		return
	}
	defer s.run.Unlock()

	if ctx.Err() != nil {
		return
	}

	for _, snap := range s.gw.GetAllHealth() {
		s.logger.Info("provider health digest",
			"provider", snap.ProviderID,
			"status", snap.Status,
			"success_rate", snap.SuccessRate,
			"total_requests", snap.TotalRequests,
			"quota_remaining_pct", snap.QuotaRemainingPct,
		)
	}
}
