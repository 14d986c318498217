package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/warp/txcore/generic"
)

// Reconcile recomputes the shard sum, overwrites the summary total if it
// differs and returns the corrected value. Safe to run alongside Increment:
// increments that land after the shard read are picked up by the next
// refresh or reconciliation.
func (c *Counter) Reconcile(ctx context.Context, id string) (int64, error) {
	if err := generic.ValidID(id); err != nil {
		return 0, err
	}

	var corrected int64
	err := c.retry.Do(ctx, func(int) error {
		// Read the summary first: any refresh that lands after this read
		// bumps its version and makes our write conflict.
		var sum summary
		version, err := generic.GetJSON(ctx, c.store, generic.CounterKey(id), &sum)
		if err != nil && !errors.Is(err, generic.ErrNotFound) {
			return err
		}
		shards, total, err := c.shards(ctx, id)
		if err != nil {
			return err
		}
		if version == 0 && len(shards) == 0 {
			return fmt.Errorf("%w: %s", generic.ErrCounterNotFound, id)
		}

		corrected = total
		drift := total - sum.TotalCount
		if version != 0 && drift == 0 {
			return nil
		}

		sum.ID = id
		sum.TotalCount = total
		sum.ShardCount = max(sum.ShardCount, maxIndex(shards)+1)
		sum.LastUpdated = c.clock.Now()
		if _, err := generic.PutJSON(ctx, c.store, generic.CounterKey(id), sum, version); err != nil {
			if errors.Is(err, generic.ErrVersionConflict) {
				c.metrics.ObserveConflict("counter")
			}
			return err
		}

		c.metrics.ObserveReconcile(drift)
		if drift != 0 {
			c.logger.InfoContext(ctx, "counter total corrected",
				slog.String("counter_id", id), slog.Int64("total", total), slog.Int64("drift", drift))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.totals.Invalidate(generic.CounterKey(id))
	return corrected, nil
}

func maxIndex(shards map[int]int64) int {
	m := -1
	for i := range shards {
		m = max(m, i)
	}
	return m
}

// ReconcileReport summarizes one ReconcileAll sweep.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// ReconcileAll reconciles every counter whose ID starts with prefix, paced
// by the sweep rate limiter. Counters are discovered from their shard
// documents, so a counter whose summary was never written is still found.
// A failing counter is recorded and skipped; only a listing failure or ctx
// cancellation aborts the sweep.
func (c *Counter) ReconcileAll(ctx context.Context, prefix string) (ReconcileReport, error) {
	var (
		report ReconcileReport
		after  string
		last   string
	)
	const page = 200

	for {
		docs, err := c.store.List(ctx, generic.PrefixShard+prefix, generic.ListOptions{After: after, Limit: page})
		if err != nil {
			return report, err
		}
		for _, doc := range docs {
			after = doc.Key
			id, _, ok := strings.Cut(strings.TrimPrefix(doc.Key, generic.PrefixShard), "/")
			if !ok || id == last {
				continue
			}
			last = id
			if err := c.sweep.Wait(ctx); err != nil {
				return report, err
			}

			report.Checked++
			if _, err := c.Reconcile(ctx, id); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
				c.logger.WarnContext(ctx, "counter reconciliation failed", slog.String("counter_id", id), slog.Any("error", err))
			}
		}
		if len(docs) < page {
			break
		}
	}

	c.logger.InfoContext(ctx, "counter reconciliation sweep finished",
		slog.Int("checked", report.Checked), slog.Int("failed", report.Failed))
	return report, nil
}
