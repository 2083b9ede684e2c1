// Package runner tracks which campaigns this process is actively dispatching.
// It launches at most one worker pool per campaign, finalizes terminal
// transitions after the pool joins, and spawns the next occurrence of a
// recurring campaign exactly once (piggybacking on the completion CAS).
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"callblast/internal/dispatcher"
	"callblast/internal/domain"
	"callblast/internal/events"
	"callblast/internal/observability"
	"callblast/internal/recurrence"
	"callblast/internal/util"
)

type Store interface {
	dispatcher.Store
	SkipPending(ctx context.Context, campaignID string, now time.Time) (int, error)
	CreateChild(ctx context.Context, parentID string, child domain.Campaign, newID func() string, now time.Time) error
}

type Config struct {
	CallTimeout time.Duration
	FailCeiling time.Duration
	Breaker     dispatcher.BreakerSettings

	// Secondary per-owner bucket; zero RPS disables it.
	OwnerRPS   float64
	OwnerBurst int
}

type Runner struct {
	Store  Store
	Exec   dispatcher.Executor
	Events dispatcher.EventSink // optional
	Cfg    Config

	CampaignID  func() string
	RecipientID func() string
	AttemptID   func() string
	Now         func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
	owners map[string]*rate.Limiter
	wg     sync.WaitGroup
}

func New(store Store, exec dispatcher.Executor, sink dispatcher.EventSink, cfg Config) *Runner {
	return &Runner{
		Store:       store,
		Exec:        exec,
		Events:      sink,
		Cfg:         cfg,
		CampaignID:  util.NewCampaignID,
		RecipientID: util.NewRecipientID,
		AttemptID:   util.NewAttemptID,
		Now:         util.NowUTC,
		active:      make(map[string]struct{}),
		owners:      make(map[string]*rate.Limiter),
	}
}

// Ensure launches a dispatch pool for the campaign unless one is already
// active in this process. Safe to call repeatedly from every scheduler scan;
// duplicate starts across processes are prevented by the store-side claim.
func (r *Runner) Ensure(ctx context.Context, c domain.Campaign) {
	switch c.Status {
	case domain.StatusRunning, domain.StatusCancelling:
	default:
		return
	}

	r.mu.Lock()
	if _, ok := r.active[c.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.active[c.ID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, c.ID)
			r.mu.Unlock()
		}()
		r.run(ctx, c)
	}()
}

// Wait blocks until every active pool has exited. Used at shutdown after the
// root context is cancelled.
func (r *Runner) Wait() { r.wg.Wait() }

// ActiveCount reports how many campaigns this process is dispatching.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) run(ctx context.Context, c domain.Campaign) {
	if c.Status == domain.StatusRunning {
		slog.Info("dispatch starting", "campaign_id", c.ID, "owner_id", c.OwnerID,
			"recipients", c.TotalCount, "concurrency", c.Concurrency)

		pool := &dispatcher.Pool{
			Store:        r.Store,
			Exec:         r.Exec,
			Events:       r.Events,
			Campaign:     c,
			OwnerLimiter: r.ownerLimiter(c.OwnerID),
			CallTimeout:  r.Cfg.CallTimeout,
			FailCeiling:  r.Cfg.FailCeiling,
			AttemptID:    r.AttemptID,
			Now:          r.Now,
		}
		if err := pool.Run(ctx, r.Cfg.Breaker); err != nil && ctx.Err() == nil {
			slog.Error("dispatch pool error", "campaign_id", c.ID, "err", err)
		}
	}

	if ctx.Err() != nil {
		return // shutting down; a later boot resumes this campaign
	}
	r.finalize(ctx, c.ID)
}

// finalize applies whichever terminal transition the campaign is due after
// its pool joined: running -> completed when the queue is drained, or
// cancelling -> cancelled once no recipient is left in flight.
func (r *Runner) finalize(ctx context.Context, campaignID string) {
	c, ok, err := r.Store.GetCampaign(ctx, campaignID)
	if err != nil || !ok {
		return
	}

	switch c.Status {
	case domain.StatusRunning:
		if c.PendingCount() == 0 && c.InProgress == 0 {
			if r.transition(ctx, c, domain.StatusRunning, domain.StatusCompleted) {
				r.spawnNext(ctx, c)
			}
		}
	case domain.StatusCancelling:
		if _, err := r.Store.SkipPending(ctx, c.ID, r.Now()); err != nil {
			slog.Error("skip pending failed", "campaign_id", c.ID, "err", err)
			return
		}
		cur, ok, err := r.Store.GetCampaign(ctx, c.ID)
		if err != nil || !ok {
			return
		}
		// In-flight claims may belong to another instance; the scheduler
		// will finalize on a later pass once they resolve.
		if cur.InProgress == 0 {
			r.transition(ctx, cur, domain.StatusCancelling, domain.StatusCancelled)
		}
	}
}

func (r *Runner) transition(ctx context.Context, c domain.Campaign, from, to domain.CampaignStatus) bool {
	moved, err := r.Store.Transition(ctx, c.ID, []domain.CampaignStatus{from}, to, "", r.Now())
	if err != nil {
		slog.Error("finalize transition failed", "campaign_id", c.ID, "to", to, "err", err)
		return false
	}
	if !moved {
		return false
	}
	observability.CampaignTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("campaign finished", "campaign_id", c.ID, "status", to,
		"completed", c.CompletedCount, "failed", c.FailedCount, "skipped", c.SkippedCount)
	if r.Events != nil {
		ev := events.Event{
			Type:       events.TypeCampaignStatus,
			CampaignID: c.ID,
			OwnerID:    c.OwnerID,
			Status:     string(to),
			At:         r.Now(),
		}
		if err := r.Events.Publish(ctx, ev); err != nil {
			observability.EventsPublished.WithLabelValues("error").Inc()
			slog.Error("event publish failed", "type", ev.Type, "campaign_id", c.ID, "err", err)
		} else {
			observability.EventsPublished.WithLabelValues("ok").Inc()
		}
	}
	return true
}

// spawnNext creates the next occurrence of a recurring campaign after one of
// its children completed. The caller only reaches this on a won completion
// CAS, so the next child is created exactly once per finished run.
func (r *Runner) spawnNext(ctx context.Context, child domain.Campaign) {
	if child.ParentID == "" {
		return
	}
	parent, ok, err := r.Store.GetCampaign(ctx, child.ParentID)
	if err != nil || !ok || parent.Status != domain.StatusRecurring {
		return
	}
	rule, err := recurrence.Parse(parent.Recurrence)
	if err != nil {
		slog.Error("bad recurrence rule on template", "campaign_id", parent.ID, "rule", parent.Recurrence, "err", err)
		return
	}

	now := r.Now()
	base := now
	if child.ScheduledAt != nil {
		base = *child.ScheduledAt
	}
	next := rule.Next(base)
	for !next.After(now) { // skip occurrences missed while we were down
		next = rule.Next(next)
	}

	if rule.Exhausted(parent.RunCount, next) {
		r.transition(ctx, parent, domain.StatusRecurring, domain.StatusCompleted)
		return
	}

	nc := parent
	nc.ID = r.CampaignID()
	nc.ParentID = parent.ID
	nc.Status = domain.StatusScheduled
	nc.Recurrence = ""
	nc.RunCount = 0
	nc.ScheduledAt = &next
	nc.StartedAt, nc.CompletedAt, nc.CancelledAt = nil, nil, nil
	nc.CompletedCount, nc.FailedCount, nc.SkippedCount, nc.InProgress = 0, 0, 0, 0
	nc.LastError = ""
	nc.CreatedAt, nc.UpdatedAt = now, now

	if err := r.Store.CreateChild(ctx, parent.ID, nc, r.RecipientID, now); err != nil {
		slog.Error("spawn next occurrence failed", "template_id", parent.ID, "err", err)
		return
	}
	slog.Info("next occurrence scheduled", "template_id", parent.ID, "campaign_id", nc.ID, "at", next)
}

func (r *Runner) ownerLimiter(ownerID string) *rate.Limiter {
	if r.Cfg.OwnerRPS <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.owners[ownerID]
	if !ok {
		burst := r.Cfg.OwnerBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r.Cfg.OwnerRPS), burst)
		r.owners[ownerID] = lim
	}
	return lim
}
