package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestCache() (*Memory, *fakeClock) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemory().WithClock(clock.Now), clock
}

func TestJobStatusRoundTrip(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	view := &types.JobStatusView{JobID: "job-1", Status: types.JobRunning}
	require.NoError(t, cache.SetJobStatus(ctx, view))

	got, err := cache.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.JobRunning, got.Status)
}

func TestJobStatusMiss(t *testing.T) {
	cache, _ := newTestCache()

	got, err := cache.JobStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobStatusExpiry(t *testing.T) {
	cache, clock := newTestCache()
	ctx := context.Background()

	// Active jobs expire after the short TTL.
	active := &types.JobStatusView{JobID: "job-active", Status: types.JobRunning}
	require.NoError(t, cache.SetJobStatus(ctx, active))

	// Terminal jobs stay around longer.
	done := &types.JobStatusView{JobID: "job-done", Status: types.JobCompleted}
	require.NoError(t, cache.SetJobStatus(ctx, done))

	clock.Advance(StatusTTLActive + time.Second)

	got, err := cache.JobStatus(ctx, "job-active")
	require.NoError(t, err)
	assert.Nil(t, got, "active entry should have expired")

	got, err = cache.JobStatus(ctx, "job-done")
	require.NoError(t, err)
	assert.NotNil(t, got, "terminal entry should outlive the active TTL")

	clock.Advance(StatusTTLTerminal)

	got, err = cache.JobStatus(ctx, "job-done")
	require.NoError(t, err)
	assert.Nil(t, got, "terminal entry should eventually expire too")
}

func TestCancelFlag(t *testing.T) {
	cache, clock := newTestCache()
	ctx := context.Background()

	_, ok, err := cache.CancelFlag(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "unset flag should be a miss")

	require.NoError(t, cache.SetCancelFlag(ctx, "job-1", true))

	cancelled, ok, err := cache.CancelFlag(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cancelled)

	clock.Advance(CancelFlagTTL + time.Second)

	_, ok, err = cache.CancelFlag(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "flag should expire")
}

func TestInvalidate(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	require.NoError(t, cache.SetJobStatus(ctx, &types.JobStatusView{JobID: "job-1", Status: types.JobQueued}))
	require.NoError(t, cache.SetCancelFlag(ctx, "job-1", true))

	require.NoError(t, cache.Invalidate(ctx, "job-1"))

	got, err := cache.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok, err := cache.CancelFlag(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseExclusive(t *testing.T) {
	cache, clock := newTestCache()
	ctx := context.Background()

	acquired, err := cache.AcquireLease(ctx, SchedulerLockKey, SchedulerLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = cache.AcquireLease(ctx, SchedulerLockKey, SchedulerLockTTL)
	require.NoError(t, err)
	assert.False(t, acquired, "held lease should block a second acquire")

	require.NoError(t, cache.ReleaseLease(ctx, SchedulerLockKey))

	acquired, err = cache.AcquireLease(ctx, SchedulerLockKey, SchedulerLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired, "released lease should be acquirable")

	// A crashed holder never releases: the TTL must free it.
	clock.Advance(SchedulerLockTTL + time.Second)

	acquired, err = cache.AcquireLease(ctx, SchedulerLockKey, SchedulerLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lease should be acquirable")
}

func TestIncrWindow(t *testing.T) {
	cache, clock := newTestCache()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := cache.IncrWindow(ctx, "client-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// A different key counts independently.
	count, err := cache.IncrWindow(ctx, "client-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Crossing the window boundary resets the counter.
	clock.Advance(time.Minute + time.Second)

	count, err = cache.IncrWindow(ctx, "client-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
