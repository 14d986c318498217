package generic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy retries optimistic-concurrency conflicts with jittered
// exponential backoff. Only ErrVersionConflict is retried; every other
// error is returned to the caller unchanged.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      IndexSource
}

// DefaultRetryPolicy is the balance engine budget: 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      RandomIndex(),
	}
}

// Do runs fn until it succeeds, fails with a non-conflict error, the budget
// is exhausted or ctx is done. attempt starts at 1.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt >= max {
			return fmt.Errorf("%w: gave up after %d attempts", ErrConcurrentModification, attempt)
		}
		if werr := p.wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}

// Backoff returns the sleep before retry number attempt+1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 || p.Jitter == nil {
		return d
	}
	return half + time.Duration(p.Jitter.IntN(int(half)+1))
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
