package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/generic/store"
	"github.com/warp/txcore/ratelimit"
	"golang.org/x/time/rate"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var perMinute = ratelimit.Tier{Name: "minute", MaxRequests: 10, Window: time.Minute}

func newTestLimiter(t *testing.T, opts ...ratelimit.Option) (*ratelimit.Limiter, *generic.ManualClock, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]ratelimit.Option{ratelimit.WithClock(clock), ratelimit.WithSweepRate(rate.Inf, 1)}, opts...)
	return ratelimit.New(mem, opts...), clock, mem
}

// =============================================================================
// FIXED WINDOW
// =============================================================================

func TestLimiter_WindowBoundary(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	ctx := context.Background()

	// GIVEN: maxRequests=10 per 60s
	for i := 1; i <= 9; i++ {
		res, err := l.Check(ctx, "key-1", perMinute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, 10-i, res.Remaining)
	}

	// WHEN: the 10th call
	res, err := l.Check(ctx, "key-1", perMinute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// AND: the 11th call, 15s later, same window
	clock.Advance(15 * time.Second)
	res, err = l.Check(ctx, "key-1", perMinute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 45, res.RetryAfter)
	assert.True(t, res.ResetAt.Equal(clock.Now().Add(45*time.Second)))

	var rle *generic.RateLimitError
	require.ErrorAs(t, res.Err("key-1"), &rle)
	assert.Equal(t, "minute", rle.Tier)
	assert.ErrorIs(t, res.Err("key-1"), generic.ErrRateLimitExceeded)

	// THEN: once the window has elapsed the bucket resets
	clock.Advance(45 * time.Second)
	res, err = l.Check(ctx, "key-1", perMinute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

func TestLimiter_RetryAfterRoundsUp(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	ctx := context.Background()
	tier := ratelimit.Tier{Name: "burst", MaxRequests: 1, Window: 10 * time.Second}

	_, err := l.Check(ctx, "key-1", tier)
	require.NoError(t, err)

	clock.Advance(9*time.Second + 900*time.Millisecond)
	res, err := l.Check(ctx, "key-1", tier)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.RetryAfter)
}

func TestLimiter_DenialLeavesBucketUnchanged(t *testing.T) {
	l, _, mem := newTestLimiter(t)
	ctx := context.Background()
	tier := ratelimit.Tier{Name: "tiny", MaxRequests: 1, Window: time.Minute}

	_, err := l.Check(ctx, "key-1", tier)
	require.NoError(t, err)
	before, err := mem.Get(ctx, generic.BucketKey("key-1", "tiny"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "key-1", tier)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	after, err := mem.Get(ctx, generic.BucketKey("key-1", "tiny"))
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestLimiter_CallersAndTiersAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	tier := ratelimit.Tier{Name: "tiny", MaxRequests: 1, Window: time.Minute}

	res, err := l.Check(ctx, "a", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "b", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "a", ratelimit.Tier{Name: "other", MaxRequests: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_ConcurrentChecksNeverOverAllow(t *testing.T) {
	l, _, _ := newTestLimiter(t, ratelimit.WithRetryPolicy(generic.RetryPolicy{
		MaxAttempts: 500, BaseDelay: 50 * time.Microsecond, MaxDelay: time.Millisecond, Jitter: generic.SeededIndex(1),
	}))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "key-1", perMinute)
			if assert.NoError(t, err) && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestLimiter_Validation(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, "", perMinute)
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)

	_, err = l.Check(ctx, "key-1", ratelimit.Tier{Name: "zero", MaxRequests: 0, Window: time.Minute})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)

	_, err = l.CheckAll(ctx, "key-1", nil)
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

// =============================================================================
// MULTI-TIER
// =============================================================================

func TestLimiter_CheckAllStopsAtTightestWindow(t *testing.T) {
	l, _, mem := newTestLimiter(t)
	ctx := context.Background()
	tiers := []ratelimit.Tier{
		{Name: "day", MaxRequests: 100, Window: 24 * time.Hour},
		{Name: "second", MaxRequests: 2, Window: time.Second},
		{Name: "hour", MaxRequests: 50, Window: time.Hour},
	}

	for i := 0; i < 2; i++ {
		res, err := l.CheckAll(ctx, "key-1", tiers)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.CheckAll(ctx, "key-1", tiers)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "second", res.Tier)

	// the denial short-circuited: larger tiers were charged only twice
	stats, err := l.Stats(ctx, "key-1", tiers)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "second", stats[0].Tier)
	assert.Equal(t, "hour", stats[1].Tier)
	assert.Equal(t, 2, stats[1].Used)
	assert.Equal(t, 2, stats[2].Used)

	_, err = mem.Get(ctx, generic.BucketKey("key-1", "day"))
	require.NoError(t, err)
}

func TestLimiter_CheckAllReportsLeastRemaining(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	tiers := []ratelimit.Tier{
		{Name: "minute", MaxRequests: 60, Window: time.Minute},
		{Name: "hour", MaxRequests: 5, Window: time.Hour},
	}
	res, err := l.CheckAll(context.Background(), "key-1", tiers)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "hour", res.Tier)
	assert.Equal(t, 4, res.Remaining)
}

// =============================================================================
// FAILURE POLICY
// =============================================================================

func TestLimiter_FailOpenWhenStoreDown(t *testing.T) {
	l, _, mem := newTestLimiter(t)
	mem.SetUnavailable(true)

	res, err := l.Check(context.Background(), "key-1", perMinute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
}

func TestLimiter_FailClosedWhenConfigured(t *testing.T) {
	l, _, mem := newTestLimiter(t, ratelimit.WithFailurePolicy(ratelimit.FailClosed))
	mem.SetUnavailable(true)

	res, err := l.Check(context.Background(), "key-1", perMinute)
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
	assert.False(t, res.Allowed)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ratelimit.ParseFailurePolicy("closed")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.FailClosed, p)

	p, err = ratelimit.ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.FailOpen, p)

	_, err = ratelimit.ParseFailurePolicy("sometimes")
	assert.Error(t, err)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestLimiter_StatsDoesNotConsume(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "key-1", perMinute)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		stats, err := l.Stats(ctx, "key-1", []ratelimit.Tier{perMinute})
		require.NoError(t, err)
		assert.Equal(t, 3, stats[0].Used)
		assert.Equal(t, 7, stats[0].Remaining)
	}
}

func TestLimiter_StatsIgnoresBucketFromAnotherWindow(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	// GIVEN: a bucket written under a one-hour window
	hourly := ratelimit.Tier{Name: "minute", MaxRequests: 10, Window: time.Hour}
	for i := 0; i < 4; i++ {
		_, err := l.Check(ctx, "key-1", hourly)
		require.NoError(t, err)
	}

	// WHEN: the tier is reconfigured to the same limit per minute
	stats, err := l.Stats(ctx, "key-1", []ratelimit.Tier{perMinute})
	require.NoError(t, err)

	// THEN: Stats agrees with Check, which would start a fresh window
	assert.Zero(t, stats[0].Used)
	assert.Equal(t, 10, stats[0].Remaining)

	res, err := l.Check(ctx, "key-1", perMinute)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Remaining)
}

func TestLimiter_ResetRestoresAllowance(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	tier := ratelimit.Tier{Name: "tiny", MaxRequests: 1, Window: time.Hour}

	_, err := l.Check(ctx, "key-1", tier)
	require.NoError(t, err)
	_, err = l.Check(ctx, "key-1", perMinute)
	require.NoError(t, err)

	removed, err := l.Reset(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	res, err := l.Check(ctx, "key-1", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_CleanupRemovesIdleExpiredBuckets(t *testing.T) {
	l, clock, mem := newTestLimiter(t)
	ctx := context.Background()
	daily := ratelimit.Tier{Name: "day", MaxRequests: 100, Window: 24 * time.Hour}

	_, err := l.Check(ctx, "idle", perMinute)
	require.NoError(t, err)
	_, err = l.Check(ctx, "idle", daily)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = l.Check(ctx, "active", perMinute)
	require.NoError(t, err)

	removed, err := l.Cleanup(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)

	// only the idle minute bucket: the day window is still open
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, mem.Len())
}
