// Package memstore is an in-memory implementation of the persistence surface
// used by the orchestrator. It mirrors the Postgres store's atomicity: claims
// are exclusive and recipient status always changes together with the
// campaign counters under one lock. Concurrency tests run against it so the
// dispatcher's guarantees can be exercised without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"callblast/internal/domain"
	"callblast/internal/store"
)

type Store struct {
	mu         sync.Mutex
	campaigns  map[string]*domain.Campaign
	recipients map[string][]*domain.Recipient // campaignID -> ordered by SortOrder
	attempts   []store.Attempt
}

func New() *Store {
	return &Store{
		campaigns:  make(map[string]*domain.Campaign),
		recipients: make(map[string][]*domain.Recipient),
	}
}

func (s *Store) CreateCampaign(_ context.Context, c domain.Campaign, recipients []domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.TotalCount = len(recipients)
	s.campaigns[c.ID] = &c

	rs := make([]*domain.Recipient, 0, len(recipients))
	for i := range recipients {
		r := recipients[i]
		r.CampaignID = c.ID
		r.Status = domain.RecipientPending
		rs = append(rs, &r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].SortOrder < rs[j].SortOrder })
	s.recipients[c.ID] = rs
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (domain.Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, false, nil
	}
	return *c, true, nil
}

func (s *Store) ListCampaigns(_ context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(c.Status, f.Statuses) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateDraft(_ context.Context, id string, upd domain.UpdateCampaignRequest, now time.Time) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if c.Status != domain.StatusDraft {
		return domain.Campaign{}, domain.ErrDraftOnlyUpdate
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.CallerID != nil {
		c.CallerID = *upd.CallerID
	}
	if upd.Concurrency != nil {
		c.Concurrency = *upd.Concurrency
	}
	if upd.RatePerSecond != nil {
		c.RatePerSecond = *upd.RatePerSecond
	}
	if upd.MaxAttempts != nil {
		c.MaxAttempts = *upd.MaxAttempts
	}
	if upd.ScheduledAt != nil {
		t := *upd.ScheduledAt
		c.ScheduledAt = &t
	}
	if upd.WindowStart != nil {
		c.WindowStart = *upd.WindowStart
	}
	if upd.WindowEnd != nil {
		c.WindowEnd = *upd.WindowEnd
	}
	if len(upd.WindowDays) > 0 {
		c.WindowDays = append([]int(nil), upd.WindowDays...)
	}
	c.UpdatedAt = now
	return *c, nil
}

func (s *Store) Transition(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, lastError string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = to
	if lastError != "" {
		c.LastError = lastError
	}
	switch to {
	case domain.StatusRunning:
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
	case domain.StatusCompleted:
		t := now
		c.CompletedAt = &t
	case domain.StatusCancelled:
		t := now
		c.CancelledAt = &t
	}
	c.UpdatedAt = now
	return true, nil
}

func (s *Store) DueScheduled(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, limit int) ([]domain.Campaign, error) {
	return s.ListCampaigns(ctx, store.ListFilter{Statuses: statuses, Limit: limit})
}

func (s *Store) ClaimNext(_ context.Context, campaignID string, now time.Time) (domain.Recipient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return domain.Recipient{}, false, nil
	}
	for _, r := range s.recipients[campaignID] {
		if r.Status == domain.RecipientPending {
			r.Status = domain.RecipientInProgress
			t := now
			r.AttemptedAt = &t
			c.InProgress++
			c.UpdatedAt = now
			return *r, true, nil
		}
	}
	return domain.Recipient{}, false, nil
}

func (s *Store) Release(_ context.Context, recipientID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cid, rs := range s.recipients {
		for _, r := range rs {
			if r.ID == recipientID && r.Status == domain.RecipientInProgress {
				r.Status = domain.RecipientPending
				r.AttemptedAt = nil
				s.campaigns[cid].InProgress--
				s.campaigns[cid].UpdatedAt = now
				return nil
			}
		}
	}
	return nil
}

func (s *Store) MarkOutcome(_ context.Context, o store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[o.CampaignID]
	if !ok {
		return nil
	}
	for _, r := range s.recipients[o.CampaignID] {
		if r.ID != o.RecipientID || r.Status != domain.RecipientInProgress {
			continue
		}
		r.Status = o.Status
		r.AttemptCount = o.Attempts
		r.LastError = o.LastError
		r.ResultRef = o.ResultRef
		t := o.Now
		r.CompletedAt = &t
		c.InProgress--
		if o.Status == domain.RecipientFailed {
			c.FailedCount++
		} else {
			c.CompletedCount++
		}
		c.UpdatedAt = o.Now
		return nil
	}
	return nil
}

func (s *Store) SkipPending(_ context.Context, campaignID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, r := range s.recipients[campaignID] {
		if r.Status == domain.RecipientPending {
			r.Status = domain.RecipientSkipped
			n++
		}
	}
	c.SkippedCount += n
	c.UpdatedAt = now
	return n, nil
}

func (s *Store) ListRecipients(_ context.Context, campaignID string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.recipients[campaignID]
	out := make([]domain.Recipient, 0, len(rs))
	for _, r := range rs {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) Rerun(_ context.Context, campaignID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok || !c.Terminal() {
		return false, nil
	}
	c.Status = domain.StatusRunning
	c.CompletedCount, c.FailedCount, c.SkippedCount, c.InProgress = 0, 0, 0, 0
	c.CompletedAt, c.CancelledAt = nil, nil
	c.LastError = ""
	t := now
	c.StartedAt = &t
	c.UpdatedAt = now
	for _, r := range s.recipients[campaignID] {
		r.Status = domain.RecipientPending
		r.AttemptCount = 0
		r.LastError, r.ResultRef = "", ""
		r.AttemptedAt, r.CompletedAt = nil, nil
	}
	return true, nil
}

func (s *Store) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for cid, rs := range s.recipients {
		for _, r := range rs {
			if r.Status == domain.RecipientInProgress && r.AttemptedAt != nil && r.AttemptedAt.Before(staleBefore) {
				r.Status = domain.RecipientPending
				r.AttemptedAt = nil
				s.campaigns[cid].InProgress--
				s.campaigns[cid].UpdatedAt = now
				total++
			}
		}
	}
	return total, nil
}

func (s *Store) RecordAttempt(_ context.Context, a store.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) CreateChild(ctx context.Context, parentID string, child domain.Campaign, newID func() string, now time.Time) error {
	parentRecipients, err := s.ListRecipients(ctx, parentID)
	if err != nil {
		return err
	}
	recipients := make([]domain.Recipient, 0, len(parentRecipients))
	for _, r := range parentRecipients {
		recipients = append(recipients, domain.Recipient{
			ID:          newID(),
			ContactRef:  r.ContactRef,
			Destination: r.Destination,
			SortOrder:   r.SortOrder,
		})
	}
	if err := s.CreateCampaign(ctx, child, recipients); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.campaigns[parentID]; ok {
		p.RunCount++
		p.ScheduledAt = child.ScheduledAt
		p.UpdatedAt = now
	}
	return nil
}

// Attempts returns a copy of the recorded attempt log. Test helper.
func (s *Store) Attempts() []store.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func statusIn(st domain.CampaignStatus, in []domain.CampaignStatus) bool {
	for _, s := range in {
		if s == st {
			return true
		}
	}
	return false
}
