package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/txcore/generic"
)

// TierStats is a read-only view of one bucket.
type TierStats struct {
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats reports usage per tier without consuming quota. A missing or
// expired bucket reports the full allowance.
func (l *Limiter) Stats(ctx context.Context, callerID string, tiers []Tier) ([]TierStats, error) {
	if err := generic.ValidID(callerID); err != nil {
		return nil, err
	}
	now := l.clock.Now()
	out := make([]TierStats, 0, len(tiers))
	for _, tier := range sortedTiers(tiers) {
		if err := tier.validate(); err != nil {
			return nil, err
		}
		st := TierStats{Tier: tier.Name, Limit: tier.MaxRequests, Remaining: tier.MaxRequests, ResetAt: now.Add(tier.Window)}

		var b generic.RateLimitBucket
		_, err := generic.GetJSON(ctx, l.store, generic.BucketKey(callerID, tier.Name), &b)
		switch {
		case errors.Is(err, generic.ErrNotFound):
		case err != nil:
			return nil, err
		case now.Before(b.ResetAt()) && b.MaxTokens == tier.MaxRequests && b.Window == tier.Window:
			st.Remaining = b.Tokens
			st.Used = b.MaxTokens - b.Tokens
			st.ResetAt = b.ResetAt()
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset deletes every bucket of callerID and returns how many were removed.
func (l *Limiter) Reset(ctx context.Context, callerID string) (int, error) {
	if err := generic.ValidID(callerID); err != nil {
		return 0, err
	}
	docs, err := l.store.List(ctx, generic.BucketPrefix(callerID), generic.ListOptions{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, doc := range docs {
		err := l.store.Commit(ctx, generic.DeleteWrite(doc.Key, doc.Version))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, generic.ErrVersionConflict):
			// touched concurrently; the caller just spent from it
		default:
			return removed, err
		}
	}
	l.logger.InfoContext(ctx, "rate limit buckets reset", slog.String("caller_id", callerID), slog.Int("removed", removed))
	return removed, nil
}

// Cleanup garbage-collects buckets whose window has ended and that have not
// been used since idleSince. Deletions are paced by the sweep limiter.
func (l *Limiter) Cleanup(ctx context.Context, idleSince time.Time) (int, error) {
	const page = 500
	now := l.clock.Now()

	var (
		removed int
		after   string
	)
	for {
		docs, err := l.store.List(ctx, generic.PrefixRateLimit, generic.ListOptions{After: after, Limit: page})
		if err != nil {
			return removed, err
		}
		for _, doc := range docs {
			after = doc.Key
			var b generic.RateLimitBucket
			if err := doc.Decode(&b); err != nil {
				continue
			}
			if now.Before(b.ResetAt()) || !b.LastSeen.Before(idleSince) {
				continue
			}
			if err := l.sweep.Wait(ctx); err != nil {
				return removed, err
			}
			err := l.store.Commit(ctx, generic.DeleteWrite(doc.Key, doc.Version))
			switch {
			case err == nil:
				removed++
			case errors.Is(err, generic.ErrVersionConflict):
			default:
				return removed, err
			}
		}
		if len(docs) < page {
			break
		}
	}
	if removed > 0 {
		l.logger.InfoContext(ctx, "idle rate limit buckets removed", slog.Int("removed", removed))
	}
	return removed, nil
}
