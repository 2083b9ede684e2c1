// Package dispatcher drives one campaign's recipients through the call
// executor under the campaign's concurrency and rate limits.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"callblast/internal/domain"
	"callblast/internal/events"
	"callblast/internal/executor"
	"callblast/internal/observability"
	"callblast/internal/store"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ClaimNext(ctx context.Context, campaignID string, now time.Time) (domain.Recipient, bool, error)
	Release(ctx context.Context, recipientID string, now time.Time) error
	MarkOutcome(ctx context.Context, o store.Outcome) error
	RecordAttempt(ctx context.Context, a store.Attempt) error
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, lastError string, now time.Time) (bool, error)
}

type Executor interface {
	Place(ctx context.Context, req executor.PlaceRequest) (executor.Outcome, error)
}

type EventSink interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Poll cadences while a worker is idle; pause/cancel is observed within a
// small grace period because every loop iteration re-reads campaign status.
const (
	windowPoll  = 15 * time.Second
	storeRetry  = 500 * time.Millisecond
	breakerPoll = time.Second
)

type Pool struct {
	Store    Store
	Exec     Executor
	Events   EventSink // optional
	Campaign domain.Campaign

	OwnerLimiter *rate.Limiter // optional cross-campaign cap
	CallTimeout  time.Duration
	FailCeiling  time.Duration // how long the breaker may stay open before the campaign fails
	AttemptID    func() string
	Now          func() time.Time

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	openSince time.Time
}

// BreakerSettings mirror the executor-unavailable policy: trip after a run of
// consecutive failures, probe again after the cooldown.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

// Run drains the campaign's recipient queue with Campaign.Concurrency
// workers and blocks until all of them have exited. That join is the single
// synchronization point the runner relies on before it considers terminal
// transitions, so "completed" can never be observed while an attempt is still
// outstanding.
func (p *Pool) Run(ctx context.Context, bs BreakerSettings) error {
	if p.Now == nil {
		p.Now = func() time.Time { return time.Now().UTC() }
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = 90 * time.Second
	}
	burst := p.Campaign.Concurrency
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(p.Campaign.RatePerSecond), burst)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "executor:" + p.Campaign.ID,
		MaxRequests: 1,
		Timeout:     bs.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Campaign.Concurrency; i++ {
		g.Go(func() error { return p.worker(gctx) })
	}
	return g.Wait()
}

// worker is one dispatch loop: status gate, rate token, exclusive claim,
// execute, classify, write back. It exits when the queue is empty or the
// campaign is no longer running.
func (p *Pool) worker(ctx context.Context) error {
	id := p.Campaign.ID
	for {
		if ctx.Err() != nil {
			return nil
		}

		c, ok, err := p.Store.GetCampaign(ctx, id)
		if err != nil {
			slog.Error("dispatch status read failed", "campaign_id", id, "err", err)
			if !sleepCtx(ctx, storeRetry) {
				return nil
			}
			continue
		}
		if !ok || c.Status != domain.StatusRunning {
			return nil
		}

		if p.breaker.State() == gobreaker.StateOpen {
			if p.openTooLong() {
				p.failCampaign(ctx, "executor unavailable")
				return nil
			}
			if !sleepCtx(ctx, breakerPoll) {
				return nil
			}
			continue
		}
		p.clearOpen()

		if !c.InWindow(p.Now()) {
			if !sleepCtx(ctx, windowPoll) {
				return nil
			}
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			observability.RateLimited.Inc()
			return nil // cancellation wins over a pending token
		}
		if p.OwnerLimiter != nil {
			if err := p.OwnerLimiter.Wait(ctx); err != nil {
				observability.RateLimited.Inc()
				return nil
			}
		}

		r, claimed, err := p.Store.ClaimNext(ctx, id, p.Now())
		if err != nil {
			slog.Error("claim failed", "campaign_id", id, "err", err)
			if !sleepCtx(ctx, storeRetry) {
				return nil
			}
			continue
		}
		if !claimed {
			return nil // queue drained
		}

		p.process(ctx, c, r)
	}
}

// process runs a claimed recipient to a terminal status, retrying transient
// failures with exponential backoff up to the campaign's attempt budget.
func (p *Pool) process(ctx context.Context, c domain.Campaign, r domain.Recipient) {
	attempts := 0
	lastErr := ""

	for attempts < c.MaxAttempts {
		attempts++

		start := p.Now()
		out, err := p.execute(ctx, c, r)
		latency := p.Now().Sub(start)

		if err != nil && ctx.Err() != nil {
			// Shutdown aborted the attempt. Give the claim back on a fresh
			// context; the next boot or the stale sweep picks it up.
			relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
			if relErr := p.Store.Release(relCtx, r.ID, p.Now()); relErr != nil {
				slog.Error("release on shutdown failed", "recipient_id", r.ID, "err", relErr)
			}
			relCancel()
			return
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Provider protection kicked in; this was never a real attempt.
			// Hand the recipient back so the queue position is preserved.
			observability.BreakerOpen.Inc()
			if relErr := p.Store.Release(ctx, r.ID, p.Now()); relErr != nil {
				slog.Error("release after open breaker failed", "recipient_id", r.ID, "err", relErr)
			}
			return
		}

		p.recordAttempt(ctx, r, attempts, out, err, latency)

		if err == nil && out.Class == executor.ClassSuccess {
			observability.ExecutorCalls.WithLabelValues("ok").Inc()
			observability.ExecutorLatency.Observe(latency.Seconds())
			p.markTerminal(ctx, r, domain.RecipientCompleted, attempts, "", out.ResultRef)
			return
		}

		class := out.Class
		if err != nil {
			class = executor.ClassifyError(err)
			lastErr = string(class) + ": " + err.Error()
		} else {
			lastErr = string(class) + ": " + out.Message
		}
		observability.ExecutorCalls.WithLabelValues("error").Inc()

		if class == executor.ClassPermanent {
			p.markTerminal(ctx, r, domain.RecipientFailed, attempts, lastErr, out.ResultRef)
			return
		}

		if attempts >= c.MaxAttempts {
			break
		}

		if !sleepCtx(ctx, executor.Backoff(attempts-1)) {
			// Shutdown interrupted the backoff. The attempt so far was
			// transient, so the recipient goes back to the queue.
			relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
			if relErr := p.Store.Release(relCtx, r.ID, p.Now()); relErr != nil {
				slog.Error("release on shutdown failed", "recipient_id", r.ID, "err", relErr)
			}
			relCancel()
			return
		}

		// A cancel or pause issued mid-backoff ends the retry budget here:
		// cancelled recipients go terminal, paused ones return to the queue.
		cur, ok, err := p.Store.GetCampaign(ctx, c.ID)
		if err == nil && ok && cur.Status != domain.StatusRunning {
			if cur.Status == domain.StatusPaused {
				if relErr := p.Store.Release(ctx, r.ID, p.Now()); relErr != nil {
					slog.Error("release on pause failed", "recipient_id", r.ID, "err", relErr)
				}
				return
			}
			break
		}
	}

	p.markTerminal(ctx, r, domain.RecipientFailed, attempts, lastErr, "")
}

func (p *Pool) execute(ctx context.Context, c domain.Campaign, r domain.Recipient) (executor.Outcome, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
		return p.Exec.Place(callCtx, executor.PlaceRequest{
			Destination: r.Destination,
			CallerID:    c.CallerID,
			CampaignID:  c.ID,
			RecipientID: r.ID,
			ContactRef:  r.ContactRef,
		})
	})
	if err != nil {
		return executor.Outcome{}, err
	}
	return res.(executor.Outcome), nil
}

func (p *Pool) markTerminal(ctx context.Context, r domain.Recipient, st domain.RecipientStatus, attempts int, lastErr, resultRef string) {
	err := p.Store.MarkOutcome(ctx, store.Outcome{
		RecipientID: r.ID,
		CampaignID:  p.Campaign.ID,
		Status:      st,
		Attempts:    attempts,
		LastError:   lastErr,
		ResultRef:   resultRef,
		Now:         p.Now(),
	})
	if err != nil {
		slog.Error("mark outcome failed", "recipient_id", r.ID, "status", st, "err", err)
		return
	}
	observability.DispatchOutcomes.WithLabelValues(string(st)).Inc()
	p.publish(ctx, events.Event{
		Type:        events.TypeRecipientDone,
		CampaignID:  p.Campaign.ID,
		OwnerID:     p.Campaign.OwnerID,
		RecipientID: r.ID,
		Outcome:     string(st),
		At:          p.Now(),
	})
}

func (p *Pool) recordAttempt(ctx context.Context, r domain.Recipient, attempt int, out executor.Outcome, err error, latency time.Duration) {
	a := store.Attempt{
		RecipientID: r.ID,
		CampaignID:  p.Campaign.ID,
		Attempt:     attempt,
		Outcome:     string(out.Class),
		ResultRef:   out.ResultRef,
		Message:     out.Message,
		Latency:     latency,
		At:          p.Now(),
	}
	if p.AttemptID != nil {
		a.ID = p.AttemptID()
	}
	if err != nil {
		a.Outcome = string(executor.ClassifyError(err))
		a.Message = err.Error()
	}
	if recErr := p.Store.RecordAttempt(ctx, a); recErr != nil {
		slog.Error("record attempt failed", "recipient_id", r.ID, "err", recErr)
	}
}

func (p *Pool) failCampaign(ctx context.Context, reason string) {
	moved, err := p.Store.Transition(ctx, p.Campaign.ID,
		[]domain.CampaignStatus{domain.StatusRunning}, domain.StatusFailed, reason, p.Now())
	if err != nil {
		slog.Error("fail transition failed", "campaign_id", p.Campaign.ID, "err", err)
		return
	}
	if moved {
		observability.CampaignTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()
		slog.Error("campaign failed", "campaign_id", p.Campaign.ID, "reason", reason)
		p.publish(ctx, events.Event{
			Type:       events.TypeCampaignStatus,
			CampaignID: p.Campaign.ID,
			OwnerID:    p.Campaign.OwnerID,
			Status:     string(domain.StatusFailed),
			At:         p.Now(),
		})
	}
}

func (p *Pool) publish(ctx context.Context, ev events.Event) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		slog.Error("event publish failed", "type", ev.Type, "campaign_id", ev.CampaignID, "err", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}

// openTooLong tracks how long the breaker has been continuously open and
// reports whether that exceeds the fail ceiling.
func (p *Pool) openTooLong() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openSince.IsZero() {
		p.openSince = p.Now()
	}
	return p.FailCeiling > 0 && p.Now().Sub(p.openSince) >= p.FailCeiling
}

func (p *Pool) clearOpen() {
	p.mu.Lock()
	p.openSince = time.Time{}
	p.mu.Unlock()
}

// sleepCtx sleeps for d unless ctx is done first; it reports whether the full
// sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
