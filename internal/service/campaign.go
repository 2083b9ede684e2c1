// Package service implements the campaign control plane behind the HTTP API:
// creation, draft editing, and every lifecycle action. All status changes go
// through store-side CAS updates, so two API instances can race the same
// action and exactly one wins.
package service

import (
	"context"
	"log/slog"
	"time"

	"callblast/internal/domain"
	"callblast/internal/events"
	"callblast/internal/observability"
	"callblast/internal/recurrence"
	"callblast/internal/store"
	"callblast/internal/util"
)

type Store interface {
	CreateCampaign(ctx context.Context, c domain.Campaign, recipients []domain.Recipient) error
	CreateChild(ctx context.Context, parentID string, child domain.Campaign, newID func() string, now time.Time) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error)
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	UpdateDraft(ctx context.Context, id string, upd domain.UpdateCampaignRequest, now time.Time) (domain.Campaign, error)
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, lastError string, now time.Time) (bool, error)
	SkipPending(ctx context.Context, campaignID string, now time.Time) (int, error)
	Rerun(ctx context.Context, campaignID string, now time.Time) (bool, error)
}

type EventSink interface {
	Publish(ctx context.Context, ev events.Event) error
}

type CampaignService struct {
	Store  Store
	Events EventSink // optional

	CampaignID  func() string
	RecipientID func() string
	Now         func() time.Time
}

func New(st Store, sink EventSink) *CampaignService {
	return &CampaignService{
		Store:       st,
		Events:      sink,
		CampaignID:  util.NewCampaignID,
		RecipientID: util.NewRecipientID,
		Now:         util.NowUTC,
	}
}

// Create validates the request and persists the campaign with its recipient
// queue. A scheduledAt makes it scheduled instead of draft; a recurrence rule
// makes it a recurring template whose first occurrence is created alongside
// as a scheduled child.
func (s *CampaignService) Create(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	req.Normalize()

	now := s.Now()
	c := domain.Campaign{
		ID:            s.CampaignID(),
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		Status:        domain.StatusDraft,
		CallerID:      req.CallerID,
		Concurrency:   req.Concurrency,
		RatePerSecond: req.RatePerSecond,
		MaxAttempts:   req.MaxAttempts,
		ScheduledAt:   req.ScheduledAt,
		WindowStart:   req.WindowStart,
		WindowEnd:     req.WindowEnd,
		WindowDays:    req.WindowDays,
		TotalCount:    len(req.Recipients),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	recipients := make([]domain.Recipient, 0, len(req.Recipients))
	for i, rc := range req.Recipients {
		recipients = append(recipients, domain.Recipient{
			ID:          s.RecipientID(),
			CampaignID:  c.ID,
			ContactRef:  rc.ContactRef,
			Destination: util.NormalizePhone(rc.Destination),
			SortOrder:   i,
			Status:      domain.RecipientPending,
		})
	}

	if req.Recurrence != "" {
		return s.createRecurring(ctx, c, recipients, req, now)
	}

	if req.ScheduledAt != nil {
		c.Status = domain.StatusScheduled
	}
	if err := s.Store.CreateCampaign(ctx, c, recipients); err != nil {
		return domain.Campaign{}, err
	}
	observability.CampaignTransitions.WithLabelValues(string(c.Status)).Inc()
	slog.Info("campaign created", "campaign_id", c.ID, "owner_id", c.OwnerID,
		"status", c.Status, "recipients", c.TotalCount)
	return c, nil
}

// createRecurring persists the template plus its first scheduled occurrence.
// The template never runs itself; the scheduler picks up the child.
func (s *CampaignService) createRecurring(ctx context.Context, c domain.Campaign, recipients []domain.Recipient, req domain.CreateCampaignRequest, now time.Time) (domain.Campaign, error) {
	rule, err := recurrence.Parse(req.Recurrence)
	if err != nil {
		return domain.Campaign{}, err
	}

	c.Status = domain.StatusRecurring
	c.Recurrence = rule.String()
	if err := s.Store.CreateCampaign(ctx, c, recipients); err != nil {
		return domain.Campaign{}, err
	}

	first := now
	if req.ScheduledAt != nil {
		first = *req.ScheduledAt
	}
	child := c
	child.ID = s.CampaignID()
	child.ParentID = c.ID
	child.Status = domain.StatusScheduled
	child.Recurrence = ""
	child.ScheduledAt = &first
	if err := s.Store.CreateChild(ctx, c.ID, child, s.RecipientID, now); err != nil {
		return domain.Campaign{}, err
	}
	slog.Info("recurring campaign created", "template_id", c.ID, "first_run_id", child.ID,
		"rule", c.Recurrence, "first_at", first)
	return c, nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (domain.Campaign, error) {
	c, ok, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	return s.Store.ListCampaigns(ctx, f)
}

// ActiveCampaigns is the cross-owner admin view.
func (s *CampaignService) ActiveCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	return s.Store.ListCampaigns(ctx, store.ListFilter{Statuses: domain.ActiveStatuses, Limit: limit})
}

func (s *CampaignService) Recipients(ctx context.Context, id string) ([]domain.Recipient, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListRecipients(ctx, id)
}

func (s *CampaignService) UpdateDraft(ctx context.Context, id string, upd domain.UpdateCampaignRequest) (domain.Campaign, error) {
	return s.Store.UpdateDraft(ctx, id, upd, s.Now())
}

// Start moves a draft or scheduled campaign straight to running. Starting a
// campaign that is already running is a no-op success; dispatch itself is
// started exactly once by whichever call wins the CAS.
func (s *CampaignService) Start(ctx context.Context, id string) (domain.Campaign, error) {
	return s.act(ctx, id, []domain.CampaignStatus{domain.StatusDraft, domain.StatusScheduled},
		domain.StatusRunning, domain.StatusRunning)
}

func (s *CampaignService) Pause(ctx context.Context, id string) (domain.Campaign, error) {
	return s.act(ctx, id, []domain.CampaignStatus{domain.StatusRunning}, domain.StatusPaused, domain.StatusPaused)
}

func (s *CampaignService) Resume(ctx context.Context, id string) (domain.Campaign, error) {
	return s.act(ctx, id, []domain.CampaignStatus{domain.StatusPaused}, domain.StatusRunning, "")
}

// Cancel is soft for active campaigns: running/paused move to cancelling and
// pending recipients are skipped, while in-flight attempts finish; the runner
// finalizes to cancelled once nothing is in flight. Campaigns that never
// dispatched (draft, scheduled, recurring templates) go to cancelled directly.
func (s *CampaignService) Cancel(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	now := s.Now()

	switch c.Status {
	case domain.StatusDraft, domain.StatusScheduled, domain.StatusRecurring:
		return s.transition(ctx, id, []domain.CampaignStatus{c.Status}, domain.StatusCancelled, now)
	case domain.StatusRunning, domain.StatusPaused:
		out, err := s.transition(ctx, id,
			[]domain.CampaignStatus{domain.StatusRunning, domain.StatusPaused}, domain.StatusCancelling, now)
		if err != nil {
			return domain.Campaign{}, err
		}
		n, err := s.Store.SkipPending(ctx, id, now)
		if err != nil {
			return domain.Campaign{}, err
		}
		slog.Info("campaign cancelling", "campaign_id", id, "skipped", n, "in_flight", out.InProgress)
		// Nothing in flight means there is no dispatch pool to join.
		if out.InProgress == 0 {
			return s.transition(ctx, id, []domain.CampaignStatus{domain.StatusCancelling}, domain.StatusCancelled, now)
		}
		return out, nil
	case domain.StatusCancelling:
		return c, nil // already on its way
	default:
		return domain.Campaign{}, domain.CheckTransition(c.Status, domain.StatusCancelled)
	}
}

// Rerun resets a finished campaign (completed, cancelled or failed) for a
// full second pass over all recipients.
func (s *CampaignService) Rerun(ctx context.Context, id string) (domain.Campaign, error) {
	now := s.Now()
	moved, err := s.Store.Rerun(ctx, id, now)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !moved {
		c, err := s.Get(ctx, id)
		if err != nil {
			return domain.Campaign{}, err
		}
		return domain.Campaign{}, domain.CheckTransition(c.Status, domain.StatusRunning)
	}
	observability.CampaignTransitions.WithLabelValues(string(domain.StatusRunning)).Inc()
	slog.Info("campaign rerun", "campaign_id", id)
	c, err := s.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	s.publishStatus(ctx, c)
	return c, nil
}

// act runs a lifecycle CAS. When the CAS loses and noopWhen matches the
// current status the action is treated as already done.
func (s *CampaignService) act(ctx context.Context, id string, from []domain.CampaignStatus, to, noopWhen domain.CampaignStatus) (domain.Campaign, error) {
	now := s.Now()
	moved, err := s.Store.Transition(ctx, id, from, to, "", now)
	if err != nil {
		return domain.Campaign{}, err
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !moved {
		if noopWhen != "" && c.Status == noopWhen {
			return c, nil
		}
		return domain.Campaign{}, domain.CheckTransition(c.Status, to)
	}
	observability.CampaignTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("campaign transition", "campaign_id", id, "status", to)
	s.publishStatus(ctx, c)
	return c, nil
}

func (s *CampaignService) transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (domain.Campaign, error) {
	moved, err := s.Store.Transition(ctx, id, from, to, "", now)
	if err != nil {
		return domain.Campaign{}, err
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !moved {
		return domain.Campaign{}, domain.CheckTransition(c.Status, to)
	}
	observability.CampaignTransitions.WithLabelValues(string(to)).Inc()
	s.publishStatus(ctx, c)
	return c, nil
}

func (s *CampaignService) publishStatus(ctx context.Context, c domain.Campaign) {
	if s.Events == nil {
		return
	}
	ev := events.Event{
		Type:       events.TypeCampaignStatus,
		CampaignID: c.ID,
		OwnerID:    c.OwnerID,
		Status:     string(c.Status),
		At:         s.Now(),
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		slog.Error("event publish failed", "type", ev.Type, "campaign_id", c.ID, "err", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}
