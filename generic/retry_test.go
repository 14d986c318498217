package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
)

func TestRetryPolicy_RetriesOnlyVersionConflicts(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 5}
	ctx := context.Background()

	// GIVEN: two conflicts, then success
	calls := 0
	err := p.Do(ctx, func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return generic.ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// GIVEN: a business error
	calls = 0
	err = p.Do(ctx, func(int) error {
		calls++
		return generic.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, generic.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ExhaustedBudget(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 4}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return generic.ErrVersionConflict
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.False(t, errors.Is(err, generic.ErrVersionConflict))
	assert.Equal(t, 4, calls)
	assert.True(t, generic.IsRetryable(err))
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := generic.RetryPolicy{}.Do(context.Background(), func(int) error {
		calls++
		return generic.ErrVersionConflict
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(int) error { return generic.ErrVersionConflict })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := generic.RetryPolicy{BaseDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond}

	assert.Equal(t, 2*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 4*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 8*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(30))

	// jitter keeps the delay in [d/2, d]
	p.Jitter = generic.SeededIndex(42)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		full := generic.RetryPolicy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay}.Backoff(attempt)
		assert.GreaterOrEqual(t, d, full/2)
		assert.LessOrEqual(t, d, full)
	}

	assert.Zero(t, generic.RetryPolicy{}.Backoff(3))
}
