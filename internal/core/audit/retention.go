// internal/core/audit/retention.go
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionScheduler prunes audit records older than the retention period
// on a cron schedule.
type RetentionScheduler struct {
	pruner    Pruner
	retention time.Duration
	schedule  string
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetentionScheduler validates the schedule up front. An empty schedule
// or non-positive retention yields a scheduler whose Start is a no-op.
func NewRetentionScheduler(pruner Pruner, retention time.Duration, schedule string, logger *slog.Logger) (*RetentionScheduler, error) {
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{
		pruner:    pruner,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		logger:    logger.With("component", "audit_retention"),
		cron:      cron.New(),
	}, nil
}

// Start registers the prune job and starts the cron runner. The scheduler
// stops itself when ctx is done.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" || s.retention <= 0 {
		s.logger.Info("audit retention disabled")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule audit pruning: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("audit retention scheduler started",
		"schedule", s.schedule,
		"retention", s.retention,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce prunes immediately.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	return s.pruner.Prune(ctx, cutoff)
}

func (s *RetentionScheduler) run(ctx context.Context) {
	deleted, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled audit pruning failed", "error", err)
		return
	}
	s.logger.Info("scheduled audit pruning completed", "deleted", deleted)
}

// Stop halts the cron runner and waits for a running job.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("audit retention scheduler stopped")
}

// NextRun returns the next scheduled prune, or nil when not running.
func (s *RetentionScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
