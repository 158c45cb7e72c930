package observer

import (
	"context"
	"log/slog"
	"time"
)

// RunLoops starts the observer's background loops and blocks until ctx is
// cancelled: the sync validator, the voting-window watcher, and the
// budget poller. The respawn timer is armed on demand by the service.
func (s *Service) RunLoops(ctx context.Context) {
	go s.runSyncValidator(ctx)
	go s.runVoteWatcher(ctx)
	go s.runBudgetPoller(ctx)
	<-ctx.Done()
	slog.Info("background loops stopped", "component", "observer")
}

// runSyncValidator reconciles agent state at a fixed interval.
func (s *Service) runSyncValidator(ctx context.Context) {
	interval := s.cfg.Observer.SyncInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sync validator started", "component", "observer", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncValidate(ctx); err != nil {
				slog.Error("sync validation failed", "component", "observer", "error", err)
			}
		}
	}
}

// runVoteWatcher closes due rounds every few seconds.
func (s *Service) runVoteWatcher(ctx context.Context) {
	tick := time.Duration(s.cfg.Voting.WatcherTickS) * time.Second
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("vote watcher started", "component", "observer", "tick", tick)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.CloseDueRounds(ctx, now); err != nil {
				slog.Error("round close failed", "component", "observer", "error", err)
			}
		}
	}
}

// runBudgetPoller checks the agent's balance for bankruptcy.
func (s *Service) runBudgetPoller(ctx context.Context) {
	interval := s.cfg.Budget.PollInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("budget poller started", "component", "observer", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckBudget(ctx); err != nil {
				slog.Error("budget check failed", "component", "observer", "error", err)
			}
		}
	}
}
