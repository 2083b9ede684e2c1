package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition is returned for lifecycle actions the state
// machine does not allow. It is surfaced to the caller, never retried.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// transitions is the full lifecycle table. A status missing from the map
// (or a target missing from its set) makes the transition illegal.
// completed/cancelled/failed are terminal for a campaign instance; a
// recurring template spawns child campaigns instead of transitioning itself,
// except that it finishes as completed once its rule is exhausted or is
// cancelled outright.
var transitions = map[CampaignStatus]map[CampaignStatus]bool{
	StatusDraft: {
		StatusScheduled: true,
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:     true,
		StatusCompleted:  true,
		StatusCancelling: true,
		StatusFailed:     true,
	},
	StatusPaused: {
		StatusRunning:    true,
		StatusCancelling: true,
	},
	StatusCancelling: {
		StatusCancelled: true,
	},
	StatusRecurring: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to CampaignStatus) bool {
	return transitions[from][to]
}

// CheckTransition returns ErrInvalidStateTransition (wrapped with both
// states) when from -> to is not allowed.
func CheckTransition(from, to CampaignStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}
