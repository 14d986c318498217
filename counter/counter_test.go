package counter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/cache"
	"github.com/warp/txcore/counter"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/generic/store"
	"golang.org/x/time/rate"
)

func newTestCounter(t *testing.T, opts ...counter.Option) (*counter.Counter, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]counter.Option{counter.WithSweepRate(rate.Inf, 1)}, opts...)
	return counter.New(mem, opts...), mem
}

func TestCounter_IncrementUsesInjectedShard(t *testing.T) {
	c, _ := newTestCounter(t, counter.WithIndexSource(generic.FixedIndex(3)))
	ctx := context.Background()

	require.NoError(t, c.Increment(ctx, "option-a", 10))
	require.NoError(t, c.Increment(ctx, "option-a", 10))

	got, err := c.Get(ctx, "option-a")
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{3: 2}, got.Shards)
	assert.Equal(t, int64(2), got.TotalCount)
	assert.Equal(t, 10, got.ShardCount)
	assert.Equal(t, int64(2), got.Sum())
}

func TestCounter_DefaultShardCount(t *testing.T) {
	// FixedIndex clamps to n-1, so the chosen shard reveals n
	c, _ := newTestCounter(t, counter.WithIndexSource(generic.FixedIndex(1000)))
	ctx := context.Background()

	require.NoError(t, c.Increment(ctx, "votes", 0))

	got, err := c.Get(ctx, "votes")
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{counter.DefaultShards - 1: 1}, got.Shards)
}

func TestCounter_SeededSelectionIsDeterministic(t *testing.T) {
	ctx := context.Background()
	run := func() map[int]int64 {
		c, _ := newTestCounter(t, counter.WithIndexSource(generic.SeededIndex(42)))
		for i := 0; i < 50; i++ {
			require.NoError(t, c.Increment(ctx, "votes", 10))
		}
		got, err := c.Get(ctx, "votes")
		require.NoError(t, err)
		return got.Shards
	}
	assert.Equal(t, run(), run())
}

func TestCounter_ReconcileReturnsExactCount(t *testing.T) {
	ctx := context.Background()
	for _, shards := range []int{1, 3, 10, 32} {
		c, _ := newTestCounter(t)
		const n = 57
		for i := 0; i < n; i++ {
			require.NoError(t, c.Increment(ctx, "votes", shards))
		}
		total, err := c.Reconcile(ctx, "votes")
		require.NoError(t, err)
		assert.Equal(t, int64(n), total, "shards=%d", shards)
	}
}

func TestCounter_ConcurrentVoteBurst(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	const voters = 1000
	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Increment(ctx, "finale", 10)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, err := c.Reconcile(ctx, "finale")
	require.NoError(t, err)
	assert.Equal(t, int64(voters), total)

	total, err = c.GetTotal(ctx, "finale")
	require.NoError(t, err)
	assert.Equal(t, int64(voters), total)

	got, err := c.Get(ctx, "finale")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.Shards), 10)
}

func TestCounter_ReconcileCorrectsDrift(t *testing.T) {
	c, mem := newTestCounter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Increment(ctx, "votes", 4))
	}

	// GIVEN: a summary whose total drifted from the shards
	doc, err := mem.Get(ctx, generic.CounterKey("votes"))
	require.NoError(t, err)
	_, err = mem.Put(ctx, doc.Key, []byte(`{"id":"votes","shard_count":4,"total_count":2}`), doc.Version)
	require.NoError(t, err)

	total, err := c.GetTotal(ctx, "votes")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	// WHEN: reconciling
	total, err = c.Reconcile(ctx, "votes")
	require.NoError(t, err)

	// THEN: the total matches the shards again
	assert.Equal(t, int64(5), total)
	total, err = c.GetTotal(ctx, "votes")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestCounter_UnknownCounter(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	_, err := c.GetTotal(ctx, "nobody")
	assert.ErrorIs(t, err, generic.ErrCounterNotFound)

	_, err = c.Reconcile(ctx, "nobody")
	assert.ErrorIs(t, err, generic.ErrCounterNotFound)

	_, err = c.Get(ctx, "nobody")
	assert.ErrorIs(t, err, generic.ErrCounterNotFound)

	assert.ErrorIs(t, c.Increment(ctx, "bad/id", 1), generic.ErrInvalidRequest)
}

func TestCounter_ReconcileAllSweepsEveryCounter(t *testing.T) {
	c, mem := newTestCounter(t)
	ctx := context.Background()

	for _, id := range []string{"poll1-a", "poll1-b", "poll2-a"} {
		for i := 0; i < 3; i++ {
			require.NoError(t, c.Increment(ctx, id, 2))
		}
		doc, err := mem.Get(ctx, generic.CounterKey(id))
		require.NoError(t, err)
		_, err = mem.Put(ctx, doc.Key, []byte(`{"id":"`+id+`","total_count":0}`), doc.Version)
		require.NoError(t, err)
	}

	report, err := c.ReconcileAll(ctx, "poll1-")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Failed)

	for id, want := range map[string]int64{"poll1-a": 3, "poll1-b": 3, "poll2-a": 0} {
		total, err := c.GetTotal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, total, id)
	}
}

func TestCounter_ReconcileAllFindsCounterWithoutSummary(t *testing.T) {
	c, mem := newTestCounter(t)
	ctx := context.Background()

	// GIVEN: shards were written but the summary never landed
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Increment(ctx, "orphan", 3))
	}
	doc, err := mem.Get(ctx, generic.CounterKey("orphan"))
	require.NoError(t, err)
	require.NoError(t, mem.Commit(ctx, generic.DeleteWrite(doc.Key, doc.Version)))

	// WHEN: the sweep runs
	report, err := c.ReconcileAll(ctx, "")
	require.NoError(t, err)

	// THEN: the counter is found through its shards and the summary rebuilt
	assert.Equal(t, 1, report.Checked)
	var sum struct {
		TotalCount int64 `json:"total_count"`
	}
	_, err = generic.GetJSON(ctx, mem, generic.CounterKey("orphan"), &sum)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.TotalCount)
}

func TestCounter_TotalCacheInvalidatedByIncrement(t *testing.T) {
	totals := cache.New[int64](time.Hour)
	c, _ := newTestCounter(t, counter.WithCache(totals))
	ctx := context.Background()

	require.NoError(t, c.Increment(ctx, "votes", 1))
	total, err := c.GetTotal(ctx, "votes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 1, totals.Len())

	require.NoError(t, c.Increment(ctx, "votes", 1))
	total, err = c.GetTotal(ctx, "votes")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestCounter_StoreDown(t *testing.T) {
	c, mem := newTestCounter(t)
	mem.SetUnavailable(true)
	assert.ErrorIs(t, c.Increment(context.Background(), "votes", 10), generic.ErrStoreUnavailable)
}
