package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callblast/internal/dispatcher"
	"callblast/internal/domain"
	"callblast/internal/executor"
	"callblast/internal/store/memstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExec struct {
	mu     sync.Mutex
	calls  map[string]int
	delay  time.Duration
	onCall func(n int) // invoked with the global call number, under no lock
	place  func(req executor.PlaceRequest, nthForRecipient int) (executor.Outcome, error)
	total  int
}

func (f *fakeExec) Place(ctx context.Context, req executor.PlaceRequest) (executor.Outcome, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.RecipientID]++
	nth := f.calls[req.RecipientID]
	f.total++
	total := f.total
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(total)
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return executor.Outcome{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.place != nil {
		return f.place(req, nth)
	}
	return executor.Outcome{Class: executor.ClassSuccess, ResultRef: "call_" + req.RecipientID}, nil
}

func (f *fakeExec) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func seedRunning(t *testing.T, st *memstore.Store, n int, mut func(*domain.Campaign)) domain.Campaign {
	t.Helper()
	c := domain.Campaign{
		ID:            "cmp_test",
		OwnerID:       "own_1",
		Name:          "load test",
		Status:        domain.StatusRunning,
		CallerID:      "+15550100",
		Concurrency:   3,
		RatePerSecond: 1000,
		MaxAttempts:   2,
	}
	if mut != nil {
		mut(&c)
	}
	recipients := make([]domain.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recipients = append(recipients, domain.Recipient{
			ID:          fmt.Sprintf("rcp_%03d", i),
			Destination: fmt.Sprintf("+1555010%04d", i),
			SortOrder:   i,
		})
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, recipients))
	got, ok, err := st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

// checkCounters verifies the campaign counters against the actual recipient
// statuses, including the derived pending count.
func checkCounters(t *testing.T, st *memstore.Store, campaignID string) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	c, ok, err := st.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.True(t, ok)

	recipients, err := st.ListRecipients(ctx, campaignID)
	require.NoError(t, err)

	byStatus := map[domain.RecipientStatus]int{}
	for _, r := range recipients {
		byStatus[r.Status]++
	}
	assert.Equal(t, byStatus[domain.RecipientCompleted], c.CompletedCount, "completed counter")
	assert.Equal(t, byStatus[domain.RecipientFailed], c.FailedCount, "failed counter")
	assert.Equal(t, byStatus[domain.RecipientSkipped], c.SkippedCount, "skipped counter")
	assert.Equal(t, byStatus[domain.RecipientInProgress], c.InProgress, "in_progress counter")
	assert.Equal(t, byStatus[domain.RecipientPending], c.PendingCount(), "derived pending")
	return c
}

func runPool(t *testing.T, ctx context.Context, st *memstore.Store, exec dispatcher.Executor, c domain.Campaign) {
	t.Helper()
	pool := &dispatcher.Pool{
		Store:       st,
		Exec:        exec,
		Campaign:    c,
		CallTimeout: time.Second,
	}
	require.NoError(t, pool.Run(ctx, dispatcher.BreakerSettings{
		ConsecutiveFailures: 100,
		Cooldown:            time.Second,
	}))
}

func TestPoolDrainsQueue(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 12, nil)
	exec := &fakeExec{}

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, 12, got.CompletedCount)
	assert.Equal(t, 0, got.InProgress)
	assert.Equal(t, 0, got.PendingCount())
	// The pool never finalizes; that belongs to the runner.
	assert.Equal(t, domain.StatusRunning, got.Status)

	for i := 0; i < 12; i++ {
		assert.Equal(t, 1, exec.callsFor(fmt.Sprintf("rcp_%03d", i)), "each recipient dialed exactly once")
	}

	recipients, err := st.ListRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	for _, r := range recipients {
		assert.Equal(t, domain.RecipientCompleted, r.Status)
		assert.Equal(t, 1, r.AttemptCount)
		assert.NotEmpty(t, r.ResultRef)
	}
}

func TestTransientRetriedThenFailed(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 1, func(c *domain.Campaign) {
		c.Concurrency = 1
		c.MaxAttempts = 2
	})
	exec := &fakeExec{
		place: func(req executor.PlaceRequest, nth int) (executor.Outcome, error) {
			return executor.Outcome{Class: executor.ClassTransient, Message: "busy"}, nil
		},
	}

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 2, exec.callsFor("rcp_000"), "transient failure retried up to the attempt budget")

	recipients, err := st.ListRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, 2, recipients[0].AttemptCount)
	assert.Contains(t, recipients[0].LastError, "busy")

	assert.Len(t, st.Attempts(), 2, "every attempt is logged")
}

func TestTransientThenSuccess(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 1, func(c *domain.Campaign) {
		c.Concurrency = 1
		c.MaxAttempts = 3
	})
	exec := &fakeExec{
		place: func(req executor.PlaceRequest, nth int) (executor.Outcome, error) {
			if nth == 1 {
				return executor.Outcome{Class: executor.ClassTransient, Message: "no answer"}, nil
			}
			return executor.Outcome{Class: executor.ClassSuccess, ResultRef: "call_ok"}, nil
		},
	}

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, 1, got.CompletedCount)

	recipients, err := st.ListRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, recipients[0].AttemptCount)
	assert.Equal(t, "call_ok", recipients[0].ResultRef)
}

func TestPermanentFailsImmediately(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 1, func(c *domain.Campaign) {
		c.Concurrency = 1
		c.MaxAttempts = 3
	})
	exec := &fakeExec{
		place: func(req executor.PlaceRequest, nth int) (executor.Outcome, error) {
			return executor.Outcome{Class: executor.ClassPermanent, Message: "invalid destination"}, nil
		},
	}

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 1, exec.callsFor("rcp_000"), "permanent failure never retried")

	recipients, err := st.ListRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, recipients[0].AttemptCount)
	assert.Contains(t, recipients[0].LastError, "invalid destination")
}

func TestSoftCancelMidRun(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 20, func(c *domain.Campaign) {
		c.Concurrency = 2
	})

	cancelIssued := make(chan struct{})
	exec := &fakeExec{
		delay: 20 * time.Millisecond,
		onCall: func(n int) {
			if n == 4 {
				close(cancelIssued)
			}
		},
	}

	go func() {
		<-cancelIssued
		ctx := context.Background()
		now := time.Now().UTC()
		_, _ = st.Transition(ctx, c.ID, []domain.CampaignStatus{domain.StatusRunning}, domain.StatusCancelling, "", now)
		_, _ = st.SkipPending(ctx, c.ID, now)
	}()

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, domain.StatusCancelling, got.Status)
	assert.Equal(t, 0, got.InProgress, "in-flight attempts finished before the pool joined")
	assert.Equal(t, 0, got.PendingCount())
	assert.Greater(t, got.SkippedCount, 0, "pending recipients were skipped")
	assert.Greater(t, got.CompletedCount, 0, "in-flight attempts ran to completion")
	assert.Equal(t, 20, got.CompletedCount+got.SkippedCount+got.FailedCount)
}

func TestPauseDuringBackoffReleasesClaim(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 1, func(c *domain.Campaign) {
		c.Concurrency = 1
		c.MaxAttempts = 3
	})

	firstAttempt := make(chan struct{})
	var once sync.Once
	exec := &fakeExec{
		place: func(req executor.PlaceRequest, nth int) (executor.Outcome, error) {
			once.Do(func() { close(firstAttempt) })
			return executor.Outcome{Class: executor.ClassTransient, Message: "busy"}, nil
		},
	}

	go func() {
		<-firstAttempt
		// Lands inside the first retry backoff (200ms).
		_, _ = st.Transition(context.Background(), c.ID,
			[]domain.CampaignStatus{domain.StatusRunning}, domain.StatusPaused, "", time.Now().UTC())
	}()

	runPool(t, context.Background(), st, exec, c)

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, domain.StatusPaused, got.Status)
	assert.Equal(t, 0, got.InProgress)
	assert.Equal(t, 1, got.PendingCount(), "claim released without burning the recipient")
	assert.Equal(t, 1, exec.callsFor("rcp_000"))
}

func TestBreakerCeilingFailsCampaign(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 5, func(c *domain.Campaign) {
		c.Concurrency = 1
		c.MaxAttempts = 1
	})
	exec := &fakeExec{
		place: func(req executor.PlaceRequest, nth int) (executor.Outcome, error) {
			return executor.Outcome{}, &executor.CallError{Err: errors.New("connection refused")}
		},
	}

	pool := &dispatcher.Pool{
		Store:       st,
		Exec:        exec,
		Campaign:    c,
		CallTimeout: time.Second,
		FailCeiling: time.Millisecond,
	}
	require.NoError(t, pool.Run(context.Background(), dispatcher.BreakerSettings{
		ConsecutiveFailures: 2,
		Cooldown:            time.Minute,
	}))

	got := checkCounters(t, st, c.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "executor unavailable", got.LastError)
	assert.Equal(t, 2, got.FailedCount, "only pre-trip attempts consumed recipients")
	assert.Equal(t, 3, got.PendingCount(), "open breaker never burns recipients")
	assert.Equal(t, 0, got.InProgress)
}

func TestShutdownStopsWorkers(t *testing.T) {
	st := memstore.New()
	c := seedRunning(t, st, 50, func(c *domain.Campaign) {
		c.Concurrency = 2
	})
	exec := &fakeExec{delay: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool := &dispatcher.Pool{Store: st, Exec: exec, Campaign: c, CallTimeout: time.Second}
		_ = pool.Run(ctx, dispatcher.BreakerSettings{ConsecutiveFailures: 100, Cooldown: time.Second})
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}

	got := checkCounters(t, st, c.ID)
	assert.Less(t, got.CompletedCount, 50, "shutdown interrupted the run")
}
