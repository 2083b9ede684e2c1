package memstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callblast/internal/domain"
	"callblast/internal/store"
	"callblast/internal/store/memstore"
)

func seed(t *testing.T, st *memstore.Store, n int) domain.Campaign {
	t.Helper()
	c := domain.Campaign{
		ID: "cmp_mem", OwnerID: "own_1", Name: "mem", Status: domain.StatusRunning,
		CallerID: "+15550100", Concurrency: 4, RatePerSecond: 10, MaxAttempts: 2,
	}
	recipients := make([]domain.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recipients = append(recipients, domain.Recipient{
			ID:          fmt.Sprintf("rcp_%03d", i),
			Destination: fmt.Sprintf("+1555060%04d", i),
			SortOrder:   i,
		})
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, recipients))
	return c
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 50)
	ctx := context.Background()
	now := time.Now().UTC()

	var mu sync.Mutex
	claimed := map[string]int{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, ok, err := st.ClaimNext(ctx, c.ID, now)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[r.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50, "every recipient claimed")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "recipient %s claimed more than once", id)
	}

	got, _, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.InProgress)
	assert.Equal(t, 0, got.PendingCount())
}

func TestClaimsAreFIFO(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 5)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		r, ok, err := st.ClaimNext(ctx, c.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, r.SortOrder)
	}
}

func TestMarkOutcomeGuardsAgainstDoubleWrite(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 1)
	ctx := context.Background()
	now := time.Now().UTC()

	r, ok, err := st.ClaimNext(ctx, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	out := store.Outcome{
		RecipientID: r.ID, CampaignID: c.ID,
		Status: domain.RecipientCompleted, Attempts: 1, Now: now,
	}
	require.NoError(t, st.MarkOutcome(ctx, out))
	// A second write (late duplicate, reclaim race) must not double count.
	require.NoError(t, st.MarkOutcome(ctx, out))

	got, _, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 0, got.InProgress)
}

func TestReleaseReturnsClaimWithoutBurningAttempt(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 1)
	ctx := context.Background()
	now := time.Now().UTC()

	r, ok, err := st.ClaimNext(ctx, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.Release(ctx, r.ID, now))

	got, _, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.InProgress)
	assert.Equal(t, 1, got.PendingCount())

	again, ok, err := st.ClaimNext(ctx, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r.ID, again.ID)
	assert.Zero(t, again.AttemptCount)
}

func TestSkipPendingLeavesClaimsAlone(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 3)
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := st.ClaimNext(ctx, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.SkipPending(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SkippedCount)
	assert.Equal(t, 1, got.InProgress)
	assert.Equal(t, 0, got.PendingCount())
}

func TestReclaimStale(t *testing.T) {
	st := memstore.New()
	c := seed(t, st, 2)
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := st.ClaimNext(ctx, c.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = st.ClaimNext(ctx, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.ReclaimStale(ctx, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the stale claim is reclaimed")

	got, _, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.InProgress)
	assert.Equal(t, 1, got.PendingCount())
}
