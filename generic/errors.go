/*
errors.go - Centralized error types for the transaction core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages return these sentinels (possibly wrapped with
  fmt.Errorf("...: %w")) so callers can branch with errors.Is.

ERROR CATEGORIES:
  1. Idempotency - AlreadyCompleted, InProgress, IdempotencyMismatch, StaleAttempt
  2. Concurrency - VersionConflict (store level), ConcurrentModification (retries exhausted)
  3. Business    - InsufficientFunds, AccountNotFound, InvalidAmount
  4. Quota       - RateLimitExceeded
  5. Store       - NotFound, StoreUnavailable

POLICY:
  - Business errors are never retried.
  - VersionConflict is retried locally; only ConcurrentModification escapes.
  - StoreUnavailable fails closed for money movement, open for rate limiting.

SEE ALSO:
  - store.go: adapters wrap driver failures with ErrStoreUnavailable
  - ledger/ledger.go, balance/engine.go: main producers
*/
package generic

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyCompleted is returned by Begin when the operation already
	// finished. Run treats it as a successful replay, not a failure.
	ErrAlreadyCompleted = errors.New("operation already completed")

	// ErrInProgress is returned when another attempt holds a fresh pending record.
	ErrInProgress = errors.New("operation in progress")

	// ErrIdempotencyMismatch is returned when an operation ID is reused with a
	// different type, subject or amount.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")

	// ErrStaleAttempt is returned when an attempt tries to finish an operation
	// that a newer attempt has already taken over.
	ErrStaleAttempt = errors.New("operation attempt superseded")

	// ErrNotPending is returned by Complete/Fail on a record that is not pending.
	ErrNotPending = errors.New("operation is not pending")

	// ErrOperationNotFound is returned when no record exists for an operation ID.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrVersionConflict is the store-level optimistic concurrency failure.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrentModification is returned once the retry budget for
	// version conflicts is exhausted. Retryable by the caller.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound is returned when the account document does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for non-positive amounts or negative fees.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRequest covers malformed input that is not an amount problem.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimitExceeded is returned when a quota tier denies the caller.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCounterNotFound is returned when a counter has never been incremented.
	ErrCounterNotFound = errors.New("counter not found")

	// ErrNotFound is the store-level "no such key".
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps infrastructure failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a rejected debit.
type InsufficientFundsError struct {
	AccountID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// OperationError reports an idempotency failure for a specific operation.
type OperationError struct {
	OperationID string
	Status      OperationStatus
	Err         error
}

func (e *OperationError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("operation %s: %v", e.OperationID, e.Err)
	}
	return fmt.Sprintf("operation %s (%s): %v", e.OperationID, e.Status, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// RateLimitError carries the quota metadata of a denial.
type RateLimitError struct {
	CallerID   string
	Tier       string
	Limit      int
	ResetAt    time.Time
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on tier %s: retry after %ds",
		e.CallerID, e.Tier, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Unavailable wraps a driver error so errors.Is(err, ErrStoreUnavailable) holds
// while keeping the original error in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrInProgress)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrRateLimitExceeded)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrOperationNotFound) ||
		errors.Is(err, ErrCounterNotFound)
}
