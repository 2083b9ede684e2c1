package executor

import (
	"context"
	"errors"
	"net"
	"time"
)

// Call statuses the executor service reports. Busy and no-answer are worth
// another try; a rejected or invalid destination never is.
const (
	statusCompleted = "completed"
	statusBusy      = "busy"
	statusNoAnswer  = "no-answer"
	statusFailed    = "failed"
	statusRejected  = "rejected"
	statusInvalid   = "invalid"
)

func classifyStatus(status string) Class {
	switch status {
	case statusCompleted:
		return ClassSuccess
	case statusBusy, statusNoAnswer, statusFailed:
		return ClassTransient
	case statusRejected, statusInvalid:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ClassifyError buckets a placement error: timeouts, connectivity problems
// and provider-side 5xx/429/408 are transient; everything else is permanent.
func ClassifyError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var ce *CallError
	if errors.As(err, &ce) {
		switch {
		case ce.HTTPStatus == 0: // transport-level failure, never reached the executor
			return ClassTransient
		case ce.HTTPStatus == 408 || ce.HTTPStatus == 429:
			return ClassTransient
		case ce.HTTPStatus >= 500:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}
	return ClassPermanent
}

// Backoff returns the exponential delay before retry number attempt
// (0-based): 200ms, 400ms, 800ms, ... capped at 5s.
func Backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Second {
			return 5 * time.Second
		}
	}
	return d
}
