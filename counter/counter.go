/*
counter.go - Sharded counter

PURPOSE:
  Aggregates high-contention increments (votes during a closing-minutes
  rush) without pushing every writer through one document version.

LAYOUT:
  cs/{id}/{index}   one document per shard, the source of truth
  ctr/{id}          summary: denormalized TotalCount for cheap reads

  Increment is a single-document CAS on one randomly chosen shard, so N
  shards give N independent low-contention writers. After committing, it
  makes one best-effort attempt to raise the summary to the current shard
  sum. Reconcile (and the periodic ReconcileAll sweep) recomputes the sum
  and overwrites the summary when it drifted.

TOTAL NEVER OVERSHOOTS:
  Shards only grow, so a sum read at any moment is <= the true sum at every
  later moment. The summary is only ever written with such a sum (never
  with total+1), and the opportunistic refresh only raises it. Reconcile
  therefore never leaves TotalCount below what committed shards record at
  the time it read them.
*/
package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/txcore/cache"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultShards      = 10
	DefaultMaxAttempts = 64
)

// shard is the persisted form of one shard.
type shard struct {
	CounterID string    `json:"counter_id"`
	Index     int       `json:"index"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// summary is the persisted form of ctr/{id}.
type summary struct {
	ID          string    `json:"id"`
	ShardCount  int       `json:"shard_count"`
	TotalCount  int64     `json:"total_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// =============================================================================
// COUNTER
// =============================================================================

type Counter struct {
	store         generic.Store
	index         generic.IndexSource
	clock         generic.Clock
	retry         generic.RetryPolicy
	defaultShards int
	totals        *cache.Cache[int64]
	sweep         *rate.Limiter
	logger        *slog.Logger
	metrics       *metrics.Collector
}

type Option func(*Counter)

// WithIndexSource replaces the random shard picker, e.g. with
// generic.FixedIndex in tests.
func WithIndexSource(src generic.IndexSource) Option {
	return func(c *Counter) { c.index = src }
}

func WithDefaultShards(n int) Option {
	return func(c *Counter) {
		if n > 0 {
			c.defaultShards = n
		}
	}
}

func WithRetryPolicy(p generic.RetryPolicy) Option {
	return func(c *Counter) { c.retry = p }
}

func WithClock(clock generic.Clock) Option {
	return func(c *Counter) { c.clock = clock }
}

// WithCache enables the advisory total cache used by GetTotal.
func WithCache(totals *cache.Cache[int64]) Option {
	return func(c *Counter) { c.totals = totals }
}

// WithSweepRate paces ReconcileAll to r counters per second.
func WithSweepRate(r rate.Limit, burst int) Option {
	return func(c *Counter) { c.sweep = rate.NewLimiter(r, burst) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) { c.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Counter) { c.metrics = m }
}

func New(store generic.Store, opts ...Option) *Counter {
	retry := generic.DefaultRetryPolicy()
	retry.MaxAttempts = DefaultMaxAttempts

	c := &Counter{
		store:         store,
		index:         generic.RandomIndex(),
		clock:         generic.SystemClock(),
		retry:         retry,
		defaultShards: DefaultShards,
		sweep:         rate.NewLimiter(50, 10),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// INCREMENT
// =============================================================================

// Increment adds one to a uniformly chosen shard in [0, shardCount).
// shardCount <= 0 uses the default. The first increment creates the counter.
func (c *Counter) Increment(ctx context.Context, id string, shardCount int) error {
	if err := generic.ValidID(id); err != nil {
		return err
	}
	if shardCount <= 0 {
		shardCount = c.defaultShards
	}
	idx := c.index.IntN(shardCount)
	key := generic.ShardKey(id, idx)

	err := c.retry.Do(ctx, func(int) error {
		var s shard
		version, err := generic.GetJSON(ctx, c.store, key, &s)
		if err != nil && !errors.Is(err, generic.ErrNotFound) {
			return err
		}
		s.CounterID, s.Index = id, idx
		s.Count++
		s.UpdatedAt = c.clock.Now()

		_, err = generic.PutJSON(ctx, c.store, key, s, version)
		if errors.Is(err, generic.ErrVersionConflict) {
			c.metrics.ObserveConflict("counter")
		}
		return err
	})
	if err != nil {
		return err
	}

	c.metrics.ObserveIncrement()
	c.totals.Invalidate(generic.CounterKey(id))

	// The increment is committed; a failed refresh only delays the total.
	if err := c.refresh(ctx, id, shardCount); err != nil && !errors.Is(err, generic.ErrVersionConflict) {
		c.logger.DebugContext(ctx, "counter total refresh skipped", slog.String("counter_id", id), slog.Any("error", err))
	}
	return nil
}

// refresh makes one attempt to raise the summary to the current shard sum.
func (c *Counter) refresh(ctx context.Context, id string, shardCount int) error {
	var sum summary
	version, err := generic.GetJSON(ctx, c.store, generic.CounterKey(id), &sum)
	if err != nil && !errors.Is(err, generic.ErrNotFound) {
		return err
	}
	_, total, err := c.shards(ctx, id)
	if err != nil {
		return err
	}
	if version != 0 && total <= sum.TotalCount && shardCount <= sum.ShardCount {
		return nil
	}

	sum.ID = id
	sum.ShardCount = max(sum.ShardCount, shardCount)
	sum.TotalCount = max(sum.TotalCount, total)
	sum.LastUpdated = c.clock.Now()
	_, err = generic.PutJSON(ctx, c.store, generic.CounterKey(id), sum, version)
	return err
}

// shards reads every shard of id and returns them with their sum.
func (c *Counter) shards(ctx context.Context, id string) (map[int]int64, int64, error) {
	out := make(map[int]int64)
	var (
		total int64
		after string
	)
	for {
		docs, err := c.store.List(ctx, generic.ShardPrefix(id), generic.ListOptions{After: after, Limit: 256})
		if err != nil {
			return nil, 0, err
		}
		for _, doc := range docs {
			after = doc.Key
			var s shard
			if err := doc.Decode(&s); err != nil {
				return nil, 0, err
			}
			out[s.Index] = s.Count
			total += s.Count
		}
		if len(docs) < 256 {
			return out, total, nil
		}
	}
}

// =============================================================================
// READS
// =============================================================================

// GetTotal returns the denormalized total. It is eventually consistent: it
// may trail the shard sum until the next refresh or reconciliation.
func (c *Counter) GetTotal(ctx context.Context, id string) (int64, error) {
	if err := generic.ValidID(id); err != nil {
		return 0, err
	}
	key := generic.CounterKey(id)
	if n, ok := c.totals.Get(key); ok {
		return n, nil
	}

	var sum summary
	_, err := generic.GetJSON(ctx, c.store, key, &sum)
	if errors.Is(err, generic.ErrNotFound) {
		// shards exist but no refresh has landed yet
		shards, total, serr := c.shards(ctx, id)
		if serr != nil {
			return 0, serr
		}
		if len(shards) == 0 {
			return 0, fmt.Errorf("%w: %s", generic.ErrCounterNotFound, id)
		}
		return total, nil
	}
	if err != nil {
		return 0, err
	}

	c.totals.Set(key, sum.TotalCount)
	return sum.TotalCount, nil
}

// Get returns the full counter: summary plus every shard.
func (c *Counter) Get(ctx context.Context, id string) (generic.ShardedCounter, error) {
	if err := generic.ValidID(id); err != nil {
		return generic.ShardedCounter{}, err
	}
	var sum summary
	_, err := generic.GetJSON(ctx, c.store, generic.CounterKey(id), &sum)
	if err != nil && !errors.Is(err, generic.ErrNotFound) {
		return generic.ShardedCounter{}, err
	}
	shards, _, err := c.shards(ctx, id)
	if err != nil {
		return generic.ShardedCounter{}, err
	}
	if sum.ID == "" && len(shards) == 0 {
		return generic.ShardedCounter{}, fmt.Errorf("%w: %s", generic.ErrCounterNotFound, id)
	}
	return generic.ShardedCounter{
		ID:          id,
		Shards:      shards,
		ShardCount:  sum.ShardCount,
		TotalCount:  sum.TotalCount,
		LastUpdated: sum.LastUpdated,
	}, nil
}
