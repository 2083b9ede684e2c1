package executor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status string
		want   Class
	}{
		{"completed", ClassSuccess},
		{"busy", ClassTransient},
		{"no-answer", ClassTransient},
		{"failed", ClassTransient},
		{"rejected", ClassPermanent},
		{"invalid", ClassPermanent},
		{"something-new", ClassTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%q) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(context.DeadlineExceeded); got != ClassTransient {
		t.Errorf("deadline: got %s", got)
	}
	if got := ClassifyError(&CallError{Err: errors.New("conn refused")}); got != ClassTransient {
		t.Errorf("transport: got %s", got)
	}
	if got := ClassifyError(&CallError{Err: errors.New("overloaded"), HTTPStatus: 503}); got != ClassTransient {
		t.Errorf("503: got %s", got)
	}
	if got := ClassifyError(&CallError{Err: errors.New("slow down"), HTTPStatus: 429}); got != ClassTransient {
		t.Errorf("429: got %s", got)
	}
	if got := ClassifyError(&CallError{Err: errors.New("bad number"), HTTPStatus: 400}); got != ClassPermanent {
		t.Errorf("400: got %s", got)
	}
	if got := ClassifyError(errors.New("plain")); got != ClassPermanent {
		t.Errorf("plain: got %s", got)
	}
}

func TestBackoff(t *testing.T) {
	if Backoff(0) != 200*time.Millisecond {
		t.Errorf("attempt 0: %v", Backoff(0))
	}
	if Backoff(1) != 400*time.Millisecond {
		t.Errorf("attempt 1: %v", Backoff(1))
	}
	if Backoff(2) != 800*time.Millisecond {
		t.Errorf("attempt 2: %v", Backoff(2))
	}
	if Backoff(20) != 5*time.Second {
		t.Errorf("cap: %v", Backoff(20))
	}
}
