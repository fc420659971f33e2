package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// RunStarter starts a run for a run key. *Orchestrator satisfies it.
type RunStarter interface {
	Start(ctx context.Context, runKey string) (*StartResult, error)
}

// Scheduler starts a batch classification for every watched repository on a
// cron schedule. Repositories whose run is still running are skipped.
type Scheduler struct {
	schedule  cron.Schedule
	repoStore driven.RepoStore
	starter   RunStarter
	logger    *slog.Logger
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NewScheduler creates a Scheduler for the given cron expression.
func NewScheduler(expr string, repoStore driven.RepoStore, starter RunStarter, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedule:  sched,
		repoStore: repoStore,
		starter:   starter,
		logger:    logger,
	}, nil
}

// NextRun returns the first scheduled time after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start blocks, starting runs at every scheduled time until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		s.logger.Info("next scheduled batch classification", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce starts a run for every watched repository and returns how many
// runs were started. Failures are logged and do not stop the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	repos, err := s.repoStore.ListAll(ctx)
	if err != nil {
		s.logger.Error("scheduled run: list repositories failed", "error", err)
		return 0
	}

	started := 0
	for _, repo := range repos {
		res, err := s.starter.Start(ctx, repo.FullName)
		switch {
		case errors.Is(err, ErrRunConflict):
			s.logger.Info("scheduled run skipped, already running", "repo", repo.FullName)
		case err != nil:
			s.logger.Error("scheduled run failed to start", "repo", repo.FullName, "error", err)
		case res.NothingToDo:
			s.logger.Info("scheduled run skipped, nothing to classify", "repo", repo.FullName)
		default:
			started++
			s.logger.Info("scheduled run started", "repo", repo.FullName, "total", res.TotalCount)
		}
	}

	return started
}
