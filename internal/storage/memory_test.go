package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/callscript/internal/model"
)

func strPtr(s string) *string { return &s }

func seedPending(m *MemoryStore, id string, start time.Time) {
	m.Save(model.Call{
		ID:             id,
		OrgID:          "org-1",
		ExternalCallID: "RGB-" + id,
		StartTime:      start,
		AudioURL:       strPtr("https://media.example.com/" + id + ".mp3"),
		Status:         model.StatusPending,
	})
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	m := NewMemoryStore()
	seedPending(m, "c-1", time.Now())

	const workers = 32
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Claim(context.Background(), "c-1", fmt.Sprintf("tok-%d", i))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, m.CountByPrefix(model.ClaimPrefix))
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedPending(m, "c-1", time.Now())

	ok, err := m.Claim(ctx, "c-1", "mine")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Release(ctx, "c-1", "theirs", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, "c-1", "mine", "HTTP 503")
	require.NoError(t, err)
	assert.True(t, ok)

	c, err := m.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.PathUnclaimed, c.StoragePath.State())
	assert.Equal(t, model.StatusPending, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	assert.Equal(t, "HTTP 503", *c.ProcessingError)
}

func TestSelectPendingNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedPending(m, fmt.Sprintf("c-%d", i), base.Add(time.Duration(i)*time.Hour))
	}
	m.Save(model.Call{ID: "no-audio", ExternalCallID: "RGB-x", StartTime: base.Add(10 * time.Hour), Status: model.StatusPending})

	calls, err := m.SelectPending(context.Background(), "", 3)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, "c-4", calls[0].ID)
	assert.Equal(t, "c-2", calls[2].ID)
}

func TestUpsertPreservesPipelineColumns(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.UpsertCalls(ctx, []model.Call{{ExternalCallID: "RGB-1", OrgID: "org-1", DurationSeconds: 10}})
	require.NoError(t, err)
	id := m.Calls()[0].ID

	ok, err := m.Claim(ctx, id, "tok")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = m.Finalize(ctx, id, "tok", "2025/03/04/x.mp3", model.StatusDownloaded, nil)
	require.NoError(t, err)

	_, err = m.UpsertCalls(ctx, []model.Call{{ExternalCallID: "RGB-1", OrgID: "org-1", DurationSeconds: 99}})
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 99, calls[0].DurationSeconds)
	assert.Equal(t, model.StatusDownloaded, calls[0].Status)
	path, ok := calls[0].StoragePath.Path()
	require.True(t, ok)
	assert.Equal(t, "2025/03/04/x.mp3", path)
}

func TestReclaimStale(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	seedPending(m, "old", now)
	seedPending(m, "fresh", now)

	_, _ = m.Claim(ctx, "old", "t1")
	now = now.Add(20 * time.Minute)
	_, _ = m.Claim(ctx, "fresh", "t2")

	stats, err := m.QueueStats(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.StuckClaims)

	n, err := m.ReclaimStale(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, _ := m.Get(ctx, "old")
	assert.Equal(t, model.PathUnclaimed, old.StoragePath.State())
	fresh, _ := m.Get(ctx, "fresh")
	assert.Equal(t, model.PathClaimed, fresh.StoragePath.State())
}

func TestFindOrCreateCampaignOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	a, err := m.FindOrCreate(ctx, "org-1", "CA-1", "")
	require.NoError(t, err)
	b, err := m.FindOrCreate(ctx, "org-1", "CA-1", "Medicare")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.Len(t, m.Campaigns(), 1)
	assert.Equal(t, model.UnknownCampaignName, m.Campaigns()[0].Name)
}
