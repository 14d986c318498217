package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/txcore/cache"
	"github.com/warp/txcore/generic"
)

func newTestCache(t *testing.T, ttl time.Duration) (*cache.Cache[int], *generic.ManualClock) {
	t.Helper()
	clock := generic.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return cache.New[int](ttl, cache.WithClock[int](clock)), clock
}

func TestCache_SetGetExpire(t *testing.T) {
	c, clock := newTestCache(t, 30*time.Second)

	c.Set("ctr/votes", 7)
	v, ok := c.Get("ctr/votes")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	clock.Advance(29 * time.Second)
	_, ok = c.Get("ctr/votes")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("ctr/votes")
	assert.False(t, ok, "entry expires exactly at its TTL")
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidateAndPrefix(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	c.Set("acct/a", 1)
	c.Set("acct/b", 2)
	c.Set("ctr/x", 3)

	c.Invalidate("acct/a")
	_, ok := c.Get("acct/a")
	assert.False(t, ok)

	assert.Equal(t, 1, c.InvalidatePrefix("acct/"))
	_, ok = c.Get("acct/b")
	assert.False(t, ok)

	v, ok := c.Get("ctr/x")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestCache_Purge(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)
	c.Set("a", 1)
	clock.Advance(30 * time.Second)
	c.Set("b", 2)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestCache_ZeroTTLAndNilAreDisabled(t *testing.T) {
	c, _ := newTestCache(t, 0)
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)

	var nilCache *cache.Cache[int]
	assert.NotPanics(t, func() {
		nilCache.Set("a", 1)
		nilCache.Invalidate("a")
		nilCache.InvalidatePrefix("")
		_, ok := nilCache.Get("a")
		assert.False(t, ok)
	})
}
