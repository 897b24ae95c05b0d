// Package cleanup provides data retention services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
)

// AuditRetainer enforces the audit chain's retention policy. Implemented by
// audit.Chain.
type AuditRetainer interface {
	EnforceRetention(ctx context.Context, policy audit.RetentionPolicy) (int64, error)
}

// TaskPruner removes old terminal task rows. Implemented by executor.SQLStore.
type TaskPruner interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config bounds the retention sweep.
type Config struct {
	Interval          time.Duration
	AuditPolicy       audit.RetentionPolicy
	TaskRetentionDays int // 0 = keep task rows forever
}

// Service periodically enforces retention policies:
//   - Trims the audit chain tail per the configured policy
//   - Deletes terminal task rows past their retention window
//
// All operations are idempotent.
type Service struct {
	config Config
	chain  AuditRetainer
	tasks  TaskPruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service. tasks may be nil (task rows
// are then kept forever).
func NewService(cfg Config, chain AuditRetainer, tasks TaskPruner) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{
		config: cfg,
		chain:  chain,
		tasks:  tasks,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"interval", s.config.Interval,
		"task_retention_days", s.config.TaskRetentionDays)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
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

// runAll performs one sweep. Exposed to tests via direct call.
func (s *Service) runAll(ctx context.Context) {
	s.trimAuditChain(ctx)
	s.pruneTerminalTasks(ctx)
}

func (s *Service) trimAuditChain(ctx context.Context) {
	if s.config.AuditPolicy.MaxAgeDays == nil && s.config.AuditPolicy.MaxEntries == nil {
		return
	}
	count, err := s.chain.EnforceRetention(ctx, s.config.AuditPolicy)
	if err != nil {
		slog.Error("Retention: audit trim failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: trimmed audit chain tail", "count", count)
	}
}

func (s *Service) pruneTerminalTasks(ctx context.Context) {
	if s.tasks == nil || s.config.TaskRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.TaskRetentionDays)
	count, err := s.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: task prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned terminal tasks", "count", count)
	}
}
