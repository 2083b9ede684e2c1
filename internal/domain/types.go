package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	StatusDraft      CampaignStatus = "draft"
	StatusScheduled  CampaignStatus = "scheduled"
	StatusRunning    CampaignStatus = "running"
	StatusPaused     CampaignStatus = "paused"
	StatusCancelling CampaignStatus = "cancelling"
	StatusCompleted  CampaignStatus = "completed"
	StatusCancelled  CampaignStatus = "cancelled"
	StatusFailed     CampaignStatus = "failed"
	StatusRecurring  CampaignStatus = "recurring"
)

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientInProgress RecipientStatus = "in_progress"
	RecipientCompleted  RecipientStatus = "completed"
	RecipientFailed     RecipientStatus = "failed"
	RecipientSkipped    RecipientStatus = "skipped"
)

// ActiveStatuses is the status set behind the admin "active" view.
var ActiveStatuses = []CampaignStatus{StatusRunning, StatusScheduled, StatusRecurring}

type Campaign struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"ownerId"`
	ParentID       string         `json:"parentId,omitempty"`
	Name           string         `json:"name"`
	Status         CampaignStatus `json:"status"`
	CallerID       string         `json:"callerId"`
	Concurrency    int            `json:"concurrency"`
	RatePerSecond  float64        `json:"ratePerSecond"`
	MaxAttempts    int            `json:"maxAttempts"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	Recurrence     string         `json:"recurrence,omitempty"`
	RunCount       int            `json:"runCount,omitempty"`
	WindowStart    string         `json:"windowStart,omitempty"` // "HH:MM"
	WindowEnd      string         `json:"windowEnd,omitempty"`   // "HH:MM"
	WindowDays     []int          `json:"windowDays,omitempty"`  // time.Weekday values
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	CancelledAt    *time.Time     `json:"cancelledAt,omitempty"`
	TotalCount     int            `json:"totalRecipients"`
	CompletedCount int            `json:"completedCount"`
	FailedCount    int            `json:"failedCount"`
	SkippedCount   int            `json:"skippedCount"`
	InProgress     int            `json:"inProgressCount"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// PendingCount is derived so the counter invariant holds by construction.
func (c Campaign) PendingCount() int {
	return c.TotalCount - c.CompletedCount - c.FailedCount - c.SkippedCount - c.InProgress
}

// Terminal reports whether this campaign instance can never run again
// (a recurring template spawns children instead of re-entering running).
func (c Campaign) Terminal() bool {
	switch c.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

type Recipient struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaignId"`
	ContactRef   string          `json:"contactRef,omitempty"`
	Destination  string          `json:"destination"`
	SortOrder    int             `json:"sortOrder"`
	Status       RecipientStatus `json:"status"`
	AttemptCount int             `json:"attemptCount"`
	LastError    string          `json:"lastError,omitempty"`
	ResultRef    string          `json:"resultRef,omitempty"`
	AttemptedAt  *time.Time      `json:"attemptedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

type RecipientInput struct {
	Destination string `json:"destination"`
	ContactRef  string `json:"contactRef,omitempty"`
}

type CreateCampaignRequest struct {
	OwnerID       string           `json:"ownerId"`
	Name          string           `json:"name"`
	CallerID      string           `json:"callerId"`
	Recipients    []RecipientInput `json:"recipients"`
	Concurrency   int              `json:"concurrency,omitempty"`
	RatePerSecond float64          `json:"ratePerSecond,omitempty"`
	MaxAttempts   int              `json:"maxAttempts,omitempty"`
	ScheduledAt   *time.Time       `json:"scheduledAt,omitempty"`
	Recurrence    string           `json:"recurrence,omitempty"`
	WindowStart   string           `json:"windowStart,omitempty"`
	WindowEnd     string           `json:"windowEnd,omitempty"`
	WindowDays    []int            `json:"windowDays,omitempty"`
}

var (
	ErrMissingFields   = errors.New("missing required fields")
	ErrNoRecipients    = errors.New("recipients must not be empty")
	ErrBadConcurrency  = errors.New("concurrency must be positive")
	ErrNotFound        = errors.New("campaign not found")
	ErrDraftOnlyUpdate = errors.New("only draft campaigns can be updated")
)

const (
	DefaultConcurrency   = 5
	DefaultRatePerSecond = 1.0
	DefaultMaxAttempts   = 2
	DefaultWindowStart   = "00:00"
	DefaultWindowEnd     = "23:59"
)

func (r CreateCampaignRequest) Validate() error {
	if r.OwnerID == "" || r.Name == "" || r.CallerID == "" {
		return ErrMissingFields
	}
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, rc := range r.Recipients {
		if rc.Destination == "" {
			return ErrMissingFields
		}
	}
	if r.Concurrency < 0 {
		return ErrBadConcurrency
	}
	return nil
}

// Normalize fills in orchestration defaults the caller left unset.
func (r *CreateCampaignRequest) Normalize() {
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.RatePerSecond == 0 {
		r.RatePerSecond = DefaultRatePerSecond
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.WindowStart == "" {
		r.WindowStart = DefaultWindowStart
	}
	if r.WindowEnd == "" {
		r.WindowEnd = DefaultWindowEnd
	}
	if len(r.WindowDays) == 0 {
		r.WindowDays = []int{0, 1, 2, 3, 4, 5, 6}
	}
}

type UpdateCampaignRequest struct {
	Name          *string    `json:"name,omitempty"`
	CallerID      *string    `json:"callerId,omitempty"`
	Concurrency   *int       `json:"concurrency,omitempty"`
	RatePerSecond *float64   `json:"ratePerSecond,omitempty"`
	MaxAttempts   *int       `json:"maxAttempts,omitempty"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	WindowStart   *string    `json:"windowStart,omitempty"`
	WindowEnd     *string    `json:"windowEnd,omitempty"`
	WindowDays    []int      `json:"windowDays,omitempty"`
}

// InWindow reports whether t falls inside the campaign's calling window.
// The window is inclusive on both ends and compared as "HH:MM" strings,
// which sort correctly for 24h wall-clock times.
func (c Campaign) InWindow(t time.Time) bool {
	day := int(t.Weekday())
	dayOK := len(c.WindowDays) == 0
	for _, d := range c.WindowDays {
		if d == day {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	start := c.WindowStart
	if start == "" {
		start = DefaultWindowStart
	}
	end := c.WindowEnd
	if end == "" {
		end = DefaultWindowEnd
	}
	hm := t.Format("15:04")
	return hm >= start && hm <= end
}
