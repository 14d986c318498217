package generic_test

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
)

// =============================================================================
// KEYS
// =============================================================================

func TestTransactionKey_SortsInSequenceOrder(t *testing.T) {
	keys := []string{
		generic.TransactionKey("acct-1", 10),
		generic.TransactionKey("acct-1", 9),
		generic.TransactionKey("acct-1", 100),
		generic.TransactionKey("acct-1", 1),
	}
	sort.Strings(keys)

	assert.Equal(t, []string{
		generic.TransactionKey("acct-1", 1),
		generic.TransactionKey("acct-1", 9),
		generic.TransactionKey("acct-1", 10),
		generic.TransactionKey("acct-1", 100),
	}, keys)
	assert.Equal(t, "txn/acct-1/", generic.TransactionPrefix("acct-1"))
}

func TestShardKeys_StayOutsideCounterPrefix(t *testing.T) {
	assert.Equal(t, "cs/poll/00003", generic.ShardKey("poll", 3))
	assert.NotContains(t, generic.ShardKey("poll", 3), generic.PrefixCounter)
	assert.Equal(t, "ctr/poll", generic.CounterKey("poll"))
	assert.Equal(t, "rl/caller/minute", generic.BucketKey("caller", "minute"))
}

func TestUsageKeys_OrderByTimeWithinCaller(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	early := generic.UsageKey("k1", t0, "b")
	late := generic.UsageKey("k1", t0.Add(time.Nanosecond), "a")
	cursor := generic.UsageCursor("k1", t0)

	assert.Less(t, early, late)
	assert.Less(t, cursor, early)
	assert.Less(t, generic.UsageKey("k1", t0.Add(-time.Second), "z"), cursor)
	assert.True(t, strings.HasPrefix(early, generic.UsagePrefix("k1")))
}

func TestValidID(t *testing.T) {
	assert.NoError(t, generic.ValidID("user-42"))
	for _, id := range []string{"", "   ", "a/b", "nul\x00"} {
		assert.ErrorIs(t, generic.ValidID(id), generic.ErrInvalidRequest, "%q", id)
	}
}

// =============================================================================
// CLOCKS AND RANDOMNESS
// =============================================================================

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	c := generic.NewManualClock(start)
	assert.Equal(t, time.UTC, c.Now().Location())

	c.Advance(90 * time.Second)
	assert.True(t, c.Now().Equal(start.Add(90*time.Second)))

	c.Set(start)
	assert.True(t, c.Now().Equal(start))
}

func TestIndexSources(t *testing.T) {
	a, b := generic.SeededIndex(7), generic.SeededIndex(7)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.IntN(10), b.IntN(10))
	}

	assert.Equal(t, 3, generic.FixedIndex(3).IntN(10))
	assert.Equal(t, 9, generic.FixedIndex(50).IntN(10))
	assert.Equal(t, 0, generic.FixedIndex(-1).IntN(10))

	n := generic.RandomIndex().IntN(5)
	assert.True(t, n >= 0 && n < 5)
}

func TestIDs(t *testing.T) {
	ids := generic.UUIDGenerator()
	assert.NotEqual(t, ids.NewID(), ids.NewID())

	opID := generic.NewOperationID(generic.OpWithdrawal, "user42")
	assert.Regexp(t, `^withdrawal-user42-[0-9a-f-]{36}$`, opID)
}

// =============================================================================
// TYPES AND ERRORS
// =============================================================================

func TestLedgerTransaction_Delta(t *testing.T) {
	tx := generic.LedgerTransaction{
		Direction:     generic.Debit,
		Amount:        decimal.NewFromInt(40),
		Fee:           decimal.NewFromInt(2),
		BalanceBefore: decimal.NewFromInt(100),
		BalanceAfter:  decimal.NewFromInt(58),
	}
	assert.True(t, tx.Delta().Equal(decimal.NewFromInt(-42)))
}

func TestRateLimitBucket_ResetAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b := generic.RateLimitBucket{WindowStart: start, Window: time.Minute}
	assert.Equal(t, start.Add(time.Minute), b.ResetAt())
}

func TestOperationTypesAndStatuses(t *testing.T) {
	assert.True(t, generic.OpRepayment.Valid())
	assert.False(t, generic.OperationType("refund").Valid())
	assert.True(t, generic.StatusFailed.Terminal())
	assert.False(t, generic.StatusPending.Terminal())
}

func TestErrorClassification(t *testing.T) {
	insufficient := fmt.Errorf("apply: %w", &generic.InsufficientFundsError{
		AccountID: "user-1",
		Available: decimal.NewFromInt(5),
		Requested: decimal.NewFromInt(8),
	})
	assert.ErrorIs(t, insufficient, generic.ErrInsufficientFunds)
	assert.True(t, generic.IsClientError(insufficient))
	assert.False(t, generic.IsRetryable(insufficient))

	var ife *generic.InsufficientFundsError
	require.ErrorAs(t, insufficient, &ife)
	assert.Equal(t, "user-1", ife.AccountID)

	down := generic.Unavailable("get", fmt.Errorf("connection refused"))
	assert.ErrorIs(t, down, generic.ErrStoreUnavailable)
	assert.Contains(t, down.Error(), "connection refused")

	opErr := &generic.OperationError{OperationID: "op-1", Status: generic.StatusPending, Err: generic.ErrInProgress}
	assert.ErrorIs(t, opErr, generic.ErrInProgress)
	assert.True(t, generic.IsRetryable(opErr))

	assert.True(t, generic.IsNotFound(fmt.Errorf("%w: c1", generic.ErrCounterNotFound)))

	rl := &generic.RateLimitError{CallerID: "k", Tier: "minute", RetryAfter: 12}
	assert.ErrorIs(t, rl, generic.ErrRateLimitExceeded)
	assert.Contains(t, rl.Error(), "12s")
}
