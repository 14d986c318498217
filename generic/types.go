/*
Package generic provides the core types shared by every component of the
transaction core.

PURPOSE:
  This package contains the storage-agnostic records, identifiers and error
  taxonomy used by the operation ledger, the balance engine, the sharded
  counter and the rate limiter. None of those components know which store
  backs them; they only see the Store interface defined in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - OperationRecord: lifecycle of one idempotent, caller-keyed operation
  - Account: balance document mutated only through the balance engine
  - LedgerTransaction: immutable before/after snapshot of one balance change
  - ShardedCounter: high-contention counter split across shard fields
  - RateLimitBucket: fixed-window quota for one (caller, tier) pair
  - APIRequestLog: one served request, kept for usage analytics

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Sign lives in Direction/OperationType, amounts are non-negative
  3. Immutability: terminal operations and ledger transactions are never edited

SEE ALSO:
  - store.go: Store interface (readWithVersion / writeIfVersionMatches / atomic commit)
  - errors.go: error taxonomy
  - clock.go: time, ID and randomness providers
*/
package generic

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MustParseDecimal parses s and returns zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// OPERATIONS
// =============================================================================

type OperationType string

const (
	OpDeposit      OperationType = "deposit"
	OpWithdrawal   OperationType = "withdrawal"
	OpContribution OperationType = "contribution"
	OpPayout       OperationType = "payout"
	OpDisbursement OperationType = "disbursement"
	OpRepayment    OperationType = "repayment"
	OpGeneric      OperationType = "generic"
)

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OpDeposit, OpWithdrawal, OpContribution, OpPayout, OpDisbursement, OpRepayment, OpGeneric:
		return true
	}
	return false
}

type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Terminal reports whether the status can no longer change on its own.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OperationRecord tracks one caller-keyed operation through
// pending -> completed | failed.
//
// Type is for reporting only; deduplication is keyed on ID alone.
// Once Status is completed, Result is returned verbatim on every retry.
type OperationRecord struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	SubjectID   string          `json:"subject_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      OperationStatus `json:"status"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// =============================================================================
// ACCOUNTS AND LEDGER TRANSACTIONS
// =============================================================================

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Account is the balance document. Revision is bumped on every committed
// change and doubles as the sequence number of the newest transaction.
//
// INVARIANT: Balance == TotalCredited - TotalDebited.
type Account struct {
	ID            string          `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalCredited decimal.Decimal `json:"total_credited"`
	TotalDebited  decimal.Decimal `json:"total_debited"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	Revision      int64           `json:"revision"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LedgerTransaction is the immutable record appended with every balance change.
//
// INVARIANTS:
//   - credit: BalanceAfter = BalanceBefore + Amount - Fee
//   - debit:  BalanceAfter = BalanceBefore - Amount - Fee
//   - BalanceBefore of Sequence k+1 equals BalanceAfter of Sequence k
type LedgerTransaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	OperationID   string          `json:"operation_id"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Sequence      int64           `json:"sequence"`
	CreatedAt     time.Time       `json:"created_at"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Delta returns the signed change this transaction applied to the balance.
func (t LedgerTransaction) Delta() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}

// =============================================================================
// SHARDED COUNTER
// =============================================================================

// ShardedCounter spreads increments over shards. TotalCount is a
// denormalized sum that reconciliation brings back in line with the shards.
//
// INVARIANT: TotalCount <= Sum() for any TotalCount a reader observes.
type ShardedCounter struct {
	ID          string        `json:"id"`
	Shards      map[int]int64 `json:"shards"`
	ShardCount  int           `json:"shard_count"`
	TotalCount  int64         `json:"total_count"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Sum returns the true count recorded by the shards.
func (c ShardedCounter) Sum() int64 {
	var total int64
	for _, n := range c.Shards {
		total += n
	}
	return total
}

// =============================================================================
// RATE LIMIT BUCKET
// =============================================================================

// RateLimitBucket is the fixed-window state of one (caller, tier) pair.
// Tokens never goes negative; requests that would overdraw it are denied.
type RateLimitBucket struct {
	CallerID    string        `json:"caller_id"`
	Tier        string        `json:"tier"`
	Tokens      int           `json:"tokens"`
	MaxTokens   int           `json:"max_tokens"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	LastSeen    time.Time     `json:"last_seen"`
}

// ResetAt is the instant the current window rolls over.
func (b RateLimitBucket) ResetAt() time.Time {
	return b.WindowStart.Add(b.Window)
}

// APIRequestLog records one request that passed through the rate limiter,
// allowed or not. Logs are append-only and expire by retention.
type APIRequestLog struct {
	ID           string        `json:"id"`
	CallerID     string        `json:"caller_id"`
	Method       string        `json:"method"`
	Endpoint     string        `json:"endpoint"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	IP           string        `json:"ip,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Succeeded counts 2xx replies only; redirects and errors are failures.
func (l APIRequestLog) Succeeded() bool {
	return l.StatusCode >= 200 && l.StatusCode < 300
}
