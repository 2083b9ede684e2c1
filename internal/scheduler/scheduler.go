// Package scheduler is the orchestrator's discovery loop. On a fixed
// interval it reclaims stale claims left by dead workers, promotes due
// scheduled campaigns, and hands every running or cancelling campaign to the
// runner so dispatch resumes after a restart.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"callblast/internal/domain"
	"callblast/internal/observability"
	"callblast/internal/runner"
	"callblast/internal/util"
)

type Store interface {
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
	ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, limit int) ([]domain.Campaign, error)
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, lastError string, now time.Time) (bool, error)
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)
}

type Scheduler struct {
	Store  Store
	Runner *runner.Runner

	ScanInterval  time.Duration
	BatchSize     int
	StaleClaimAge time.Duration
	Now           func() time.Time
}

// Run scans until ctx is cancelled. It never returns an error: a failed pass
// is logged and retried on the next tick, so a transient database outage
// cannot kill the orchestrator.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Now == nil {
		s.Now = util.NowUTC
	}
	slog.Info("scheduler started", "interval", s.ScanInterval, "batch", s.BatchSize)

	ticker := time.NewTicker(s.ScanInterval)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	now := s.Now()

	if s.StaleClaimAge > 0 {
		n, err := s.Store.ReclaimStale(ctx, now.Add(-s.StaleClaimAge), now)
		if err != nil {
			slog.Error("stale reclaim failed", "err", err)
		} else if n > 0 {
			observability.StaleReclaimed.Add(float64(n))
			slog.Warn("reclaimed stale claims", "count", n)
		}
	}

	s.startDue(ctx, now)
	s.resumeActive(ctx)
}

func (s *Scheduler) startDue(ctx context.Context, now time.Time) {
	due, err := s.Store.DueScheduled(ctx, now, s.BatchSize)
	if err != nil {
		slog.Error("due scan failed", "err", err)
		return
	}
	for _, c := range due {
		moved, err := s.Store.Transition(ctx, c.ID,
			[]domain.CampaignStatus{domain.StatusScheduled}, domain.StatusRunning, "", now)
		if err != nil {
			slog.Error("start transition failed", "campaign_id", c.ID, "err", err)
			continue
		}
		if !moved {
			observability.SchedulerStarts.WithLabelValues("conflict").Inc()
			continue // another instance won the start
		}
		observability.SchedulerStarts.WithLabelValues("started").Inc()
		observability.CampaignTransitions.WithLabelValues(string(domain.StatusRunning)).Inc()
		slog.Info("campaign due, starting", "campaign_id", c.ID, "owner_id", c.OwnerID)
		c.Status = domain.StatusRunning
		c.StartedAt = &now
		s.Runner.Ensure(ctx, c)
	}
}

// resumeActive re-ensures every running or cancelling campaign. For campaigns
// this process already dispatches it is a no-op; after a crash it is how
// in-flight work gets picked back up.
func (s *Scheduler) resumeActive(ctx context.Context) {
	active, err := s.Store.ListByStatus(ctx,
		[]domain.CampaignStatus{domain.StatusRunning, domain.StatusCancelling}, s.BatchSize)
	if err != nil {
		slog.Error("active scan failed", "err", err)
		return
	}
	for _, c := range active {
		s.Runner.Ensure(ctx, c)
	}
}
