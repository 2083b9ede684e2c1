package runner_test

import (
	"context"
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
	"callblast/internal/runner"
	"callblast/internal/store"
	"callblast/internal/store/memstore"
)

func listAll() store.ListFilter { return store.ListFilter{} }

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingExec struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
}

func (e *countingExec) Place(ctx context.Context, req executor.PlaceRequest) (executor.Outcome, error) {
	e.mu.Lock()
	if e.calls == nil {
		e.calls = map[string]int{}
	}
	e.calls[req.RecipientID]++
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return executor.Outcome{}, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	return executor.Outcome{Class: executor.ClassSuccess, ResultRef: "call_" + req.RecipientID}, nil
}

func (e *countingExec) callsFor(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func newRunner(st *memstore.Store, exec dispatcher.Executor) *runner.Runner {
	return runner.New(st, exec, nil, runner.Config{
		CallTimeout: time.Second,
		Breaker:     dispatcher.BreakerSettings{ConsecutiveFailures: 100, Cooldown: time.Second},
	})
}

func seed(t *testing.T, st *memstore.Store, c domain.Campaign, n int) domain.Campaign {
	t.Helper()
	recipients := make([]domain.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recipients = append(recipients, domain.Recipient{
			ID:          fmt.Sprintf("%s_rcp_%03d", c.ID, i),
			Destination: fmt.Sprintf("+1555020%04d", i),
			SortOrder:   i,
		})
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, recipients))
	got, ok, err := st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func waitFinished(t *testing.T, r *runner.Runner) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for r.ActiveCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("runner still active")
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.Wait()
}

func TestRunnerCompletesDrainedCampaign(t *testing.T) {
	st := memstore.New()
	exec := &countingExec{}
	r := newRunner(st, exec)

	c := seed(t, st, domain.Campaign{
		ID: "cmp_a", OwnerID: "own_1", Name: "a", Status: domain.StatusRunning,
		CallerID: "+15550100", Concurrency: 2, RatePerSecond: 1000, MaxAttempts: 2,
	}, 8)

	r.Ensure(context.Background(), c)
	waitFinished(t, r)

	got, ok, err := st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 8, got.CompletedCount)
	assert.NotNil(t, got.CompletedAt)
}

func TestEnsureIsIdempotent(t *testing.T) {
	st := memstore.New()
	exec := &countingExec{delay: 5 * time.Millisecond}
	r := newRunner(st, exec)

	c := seed(t, st, domain.Campaign{
		ID: "cmp_b", OwnerID: "own_1", Name: "b", Status: domain.StatusRunning,
		CallerID: "+15550100", Concurrency: 2, RatePerSecond: 1000, MaxAttempts: 2,
	}, 10)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.Ensure(ctx, c)
	}
	waitFinished(t, r)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, exec.callsFor(fmt.Sprintf("cmp_b_rcp_%03d", i)),
			"repeated starts must not double-dispatch")
	}
}

func TestEnsureIgnoresNonRunnableStatuses(t *testing.T) {
	st := memstore.New()
	r := newRunner(st, &countingExec{})

	for _, status := range []domain.CampaignStatus{
		domain.StatusDraft, domain.StatusScheduled, domain.StatusCompleted, domain.StatusRecurring,
	} {
		r.Ensure(context.Background(), domain.Campaign{ID: "cmp_x", Status: status})
	}
	assert.Equal(t, 0, r.ActiveCount())
	r.Wait()
}

func TestRunnerFinalizesCancelling(t *testing.T) {
	st := memstore.New()
	r := newRunner(st, &countingExec{})

	c := seed(t, st, domain.Campaign{
		ID: "cmp_c", OwnerID: "own_1", Name: "c", Status: domain.StatusCancelling,
		CallerID: "+15550100", Concurrency: 2, RatePerSecond: 1000, MaxAttempts: 2,
	}, 4)

	r.Ensure(context.Background(), c)
	waitFinished(t, r)

	got, ok, err := st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 4, got.SkippedCount, "pending recipients skipped on cancel")
	assert.NotNil(t, got.CancelledAt)
}

func TestRecurringSpawnsNextOccurrence(t *testing.T) {
	st := memstore.New()
	exec := &countingExec{}
	r := newRunner(st, exec)
	ctx := context.Background()

	template := seed(t, st, domain.Campaign{
		ID: "cmp_tpl", OwnerID: "own_1", Name: "tpl", Status: domain.StatusRecurring,
		CallerID: "+15550100", Concurrency: 2, RatePerSecond: 1000, MaxAttempts: 2,
		Recurrence: "freq=daily;count=3",
	}, 3)

	firstAt := time.Now().UTC().Add(-time.Hour)
	child := template
	child.ID = "cmp_run1"
	child.ParentID = template.ID
	child.Status = domain.StatusRunning
	child.Recurrence = ""
	child.ScheduledAt = &firstAt
	require.NoError(t, st.CreateChild(ctx, template.ID, child, func() string { return newTestID() }, time.Now().UTC()))

	got, ok, err := st.GetCampaign(ctx, child.ID)
	require.NoError(t, err)
	require.True(t, ok)
	r.Ensure(ctx, got)
	waitFinished(t, r)

	finished, _, err := st.GetCampaign(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, finished.Status)

	// Exactly one new scheduled occurrence, a day after the finished one.
	all, err := st.ListCampaigns(ctx, listAll())
	require.NoError(t, err)
	var next *domain.Campaign
	for i := range all {
		c := all[i]
		if c.ParentID == template.ID && c.ID != child.ID {
			require.Nil(t, next, "exactly one next occurrence")
			next = &all[i]
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, domain.StatusScheduled, next.Status)
	require.NotNil(t, next.ScheduledAt)
	assert.Equal(t, firstAt.AddDate(0, 0, 1), *next.ScheduledAt)
	assert.Equal(t, 3, next.TotalCount, "recipient set cloned from the template")

	tpl, _, err := st.GetCampaign(ctx, template.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.RunCount)
}

func TestRecurringExhaustedCompletesTemplate(t *testing.T) {
	st := memstore.New()
	r := newRunner(st, &countingExec{})
	ctx := context.Background()

	template := seed(t, st, domain.Campaign{
		ID: "cmp_tpl2", OwnerID: "own_1", Name: "tpl2", Status: domain.StatusRecurring,
		CallerID: "+15550100", Concurrency: 1, RatePerSecond: 1000, MaxAttempts: 1,
		Recurrence: "freq=daily;count=1",
	}, 1)

	lastAt := time.Now().UTC().Add(-time.Minute)
	child := template
	child.ID = "cmp_last"
	child.ParentID = template.ID
	child.Status = domain.StatusRunning
	child.Recurrence = ""
	child.ScheduledAt = &lastAt
	require.NoError(t, st.CreateChild(ctx, template.ID, child, func() string { return newTestID() }, time.Now().UTC()))

	got, _, err := st.GetCampaign(ctx, child.ID)
	require.NoError(t, err)
	r.Ensure(ctx, got)
	waitFinished(t, r)

	tpl, _, err := st.GetCampaign(ctx, template.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tpl.Status, "exhausted rule closes the template")
}

var idSeq int
var idMu sync.Mutex

func newTestID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idSeq++
	return fmt.Sprintf("rcp_clone_%03d", idSeq)
}
