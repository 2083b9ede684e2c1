package store

import (
	"time"

	"callblast/internal/domain"
)

type ListFilter struct {
	OwnerID  string // empty = all owners (admin view)
	Statuses []domain.CampaignStatus
	Limit    int
}

// Outcome records a recipient's terminal result. The implementing store must
// apply the recipient row update and the campaign counter update in a single
// transaction so counter reads never violate the total invariant.
type Outcome struct {
	RecipientID string
	CampaignID  string
	Status      domain.RecipientStatus // completed or failed
	Attempts    int
	LastError   string
	ResultRef   string
	Now         time.Time
}

// Attempt is one executor invocation for a recipient, kept for audit.
type Attempt struct {
	ID          string
	RecipientID string
	CampaignID  string
	Attempt     int
	Outcome     string
	ResultRef   string
	Message     string
	Latency     time.Duration
	At          time.Time
}
