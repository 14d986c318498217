package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/txcore/generic"
)

// DefaultUsageRetention is how long request logs are kept.
const DefaultUsageRetention = 90 * 24 * time.Hour

// UsageAnalytics summarises a caller's request logs over a time range.
type UsageAnalytics struct {
	CallerID           string         `json:"caller_id"`
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	FailedRequests     int            `json:"failed_requests"`
	AverageResponseMs  float64        `json:"average_response_ms"`
	RequestsByEndpoint map[string]int `json:"requests_by_endpoint"`
	RequestsByStatus   map[int]int    `json:"requests_by_status"`
}

// LogRequest appends one request log. ID and Timestamp are filled in when
// empty.
func (l *Limiter) LogRequest(ctx context.Context, entry generic.APIRequestLog) (generic.APIRequestLog, error) {
	if err := generic.ValidID(entry.CallerID); err != nil {
		return generic.APIRequestLog{}, err
	}
	if entry.ID == "" {
		entry.ID = l.ids.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	key := generic.UsageKey(entry.CallerID, entry.Timestamp, entry.ID)
	if _, err := generic.PutJSON(ctx, l.store, key, entry, 0); err != nil {
		return generic.APIRequestLog{}, fmt.Errorf("log request %s: %w", entry.ID, err)
	}
	return entry, nil
}

// Usage aggregates the caller's logs with from <= timestamp <= to.
func (l *Limiter) Usage(ctx context.Context, callerID string, from, to time.Time) (UsageAnalytics, error) {
	if err := generic.ValidID(callerID); err != nil {
		return UsageAnalytics{}, err
	}
	if to.Before(from) {
		return UsageAnalytics{}, fmt.Errorf("%w: range ends before it starts", generic.ErrInvalidRequest)
	}

	const page = 500
	out := UsageAnalytics{
		CallerID:           callerID,
		From:               from,
		To:                 to,
		RequestsByEndpoint: map[string]int{},
		RequestsByStatus:   map[int]int{},
	}
	var total time.Duration
	after := generic.UsageCursor(callerID, from)
	for {
		docs, err := l.store.List(ctx, generic.UsagePrefix(callerID), generic.ListOptions{After: after, Limit: page})
		if err != nil {
			return UsageAnalytics{}, err
		}
		for _, doc := range docs {
			after = doc.Key
			var entry generic.APIRequestLog
			if err := doc.Decode(&entry); err != nil {
				continue
			}
			if entry.Timestamp.After(to) {
				return finish(out, total), nil
			}
			out.TotalRequests++
			if entry.Succeeded() {
				out.SuccessfulRequests++
			} else {
				out.FailedRequests++
			}
			total += entry.ResponseTime
			out.RequestsByEndpoint[entry.Endpoint]++
			out.RequestsByStatus[entry.StatusCode]++
		}
		if len(docs) < page {
			return finish(out, total), nil
		}
	}
}

func finish(out UsageAnalytics, total time.Duration) UsageAnalytics {
	if out.TotalRequests > 0 {
		out.AverageResponseMs = float64(total) / float64(time.Millisecond) / float64(out.TotalRequests)
	}
	return out
}

// CleanupUsage deletes request logs older than cutoff, for every caller.
func (l *Limiter) CleanupUsage(ctx context.Context, cutoff time.Time) (int, error) {
	const page = 500

	var (
		removed int
		after   string
	)
	for {
		docs, err := l.store.List(ctx, generic.PrefixUsage, generic.ListOptions{After: after, Limit: page})
		if err != nil {
			return removed, err
		}
		for _, doc := range docs {
			after = doc.Key
			var entry generic.APIRequestLog
			if err := doc.Decode(&entry); err != nil || !entry.Timestamp.Before(cutoff) {
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
		l.logger.InfoContext(ctx, "expired request logs removed", slog.Int("removed", removed))
	}
	return removed, nil
}
