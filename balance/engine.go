/*
engine.go - Balance transaction engine

PURPOSE:
  Applies a credit or debit to an account and appends the matching
  LedgerTransaction in the same atomic commit. The account's Revision is
  the optimistic concurrency token: two concurrent applies against the same
  revision cannot both commit, the loser re-reads and tries again.

ONE APPLY, ONE COMMIT:
  1. read acct/{id} with its version
  2. validate (amount > 0, fee >= 0, no overdraft unless allowed)
  3. write the new balance with Revision+1      (expected = read version)
  4. create txn/{id}/{Revision+1}               (expected = absent)
  Steps 3 and 4 are one Commit, all-or-nothing.

FEES:
  The fee is always charged to the account:
    credit: after = before + amount - fee   (fee <= amount)
    debit:  after = before - amount - fee
  TotalDebited includes every fee, so Balance == TotalCredited - TotalDebited.

IDEMPOTENCY:
  The engine does not check operation IDs. Production callers wrap it in
  ledger.Run so a retried request never applies twice.

SEE ALSO:
  - transfer.go: two-account variant
  - history.go: newest-first paging over txn/{id}/
*/
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/txcore/cache"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/metrics"
)

// ApplyRequest is one balance change.
type ApplyRequest struct {
	AccountID   string
	Direction   generic.Direction
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	OperationID string
	Metadata    map[string]any
}

// Receipt is what a committed change returns. It is JSON encoded into the
// operation record so replays return it verbatim.
type Receipt struct {
	TransactionID string            `json:"transaction_id"`
	AccountID     string            `json:"account_id"`
	OperationID   string            `json:"operation_id,omitempty"`
	Direction     generic.Direction `json:"direction"`
	Amount        decimal.Decimal   `json:"amount"`
	Fee           decimal.Decimal   `json:"fee"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Sequence      int64             `json:"sequence"`
	CreatedAt     time.Time         `json:"created_at"`
}

func receiptOf(tx generic.LedgerTransaction) Receipt {
	return Receipt{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		OperationID:   tx.OperationID,
		Direction:     tx.Direction,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Sequence:      tx.Sequence,
		CreatedAt:     tx.CreatedAt,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store          generic.Store
	clock          generic.Clock
	ids            generic.IDGenerator
	retry          generic.RetryPolicy
	allowOverdraft bool
	balances       *cache.Cache[decimal.Decimal]
	logger         *slog.Logger
	metrics        *metrics.Collector
}

type Option func(*Engine)

// WithOverdraft lets debits take the balance below zero.
func WithOverdraft(allow bool) Option {
	return func(e *Engine) { e.allowOverdraft = allow }
}

// WithCache enables the advisory balance cache used by GetBalance.
func WithCache(c *cache.Cache[decimal.Decimal]) Option {
	return func(e *Engine) { e.balances = c }
}

func WithRetryPolicy(p generic.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithClock(c generic.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithIDGenerator(ids generic.IDGenerator) Option {
	return func(e *Engine) { e.ids = ids }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(store generic.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		clock:  generic.SystemClock(),
		ids:    generic.UUIDGenerator(),
		retry:  generic.DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// EnsureAccount creates the account with a zero balance if it does not
// exist yet. The bool reports whether this call created it.
func (e *Engine) EnsureAccount(ctx context.Context, id string) (generic.Account, bool, error) {
	if err := generic.ValidID(id); err != nil {
		return generic.Account{}, false, err
	}

	acct, _, err := e.load(ctx, id)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, generic.ErrAccountNotFound) {
		return generic.Account{}, false, err
	}

	now := e.clock.Now()
	acct = generic.Account{ID: id, CreatedAt: now, UpdatedAt: now}
	_, err = generic.PutJSON(ctx, e.store, generic.AccountKey(id), acct, 0)
	if errors.Is(err, generic.ErrVersionConflict) {
		// created concurrently
		acct, _, err = e.load(ctx, id)
		return acct, false, err
	}
	if err != nil {
		return generic.Account{}, false, err
	}

	e.logger.InfoContext(ctx, "account created", slog.String("account_id", id))
	return acct, true, nil
}

func (e *Engine) GetAccount(ctx context.Context, id string) (generic.Account, error) {
	if err := generic.ValidID(id); err != nil {
		return generic.Account{}, err
	}
	acct, _, err := e.load(ctx, id)
	return acct, err
}

// GetBalance may answer from the cache; the cache is invalidated on every
// commit made through this engine.
func (e *Engine) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	key := generic.AccountKey(id)
	if b, ok := e.balances.Get(key); ok {
		return b, nil
	}
	acct, err := e.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	e.balances.Set(key, acct.Balance)
	return acct.Balance, nil
}

func (e *Engine) load(ctx context.Context, id string) (generic.Account, int64, error) {
	var acct generic.Account
	version, err := generic.GetJSON(ctx, e.store, generic.AccountKey(id), &acct)
	if errors.Is(err, generic.ErrNotFound) {
		return generic.Account{}, 0, fmt.Errorf("%w: %s", generic.ErrAccountNotFound, id)
	}
	if err != nil {
		return generic.Account{}, 0, err
	}
	return acct, version, nil
}

// =============================================================================
// APPLY
// =============================================================================

func (r ApplyRequest) validate() error {
	if err := generic.ValidID(r.AccountID); err != nil {
		return err
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction must be credit or debit", generic.ErrInvalidRequest)
	}
	return validateAmounts(r.Direction, r.Amount, r.Fee)
}

func validateAmounts(dir generic.Direction, amount, fee decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", generic.ErrInvalidAmount)
	}
	if fee.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", generic.ErrInvalidAmount)
	}
	if dir == generic.Credit && fee.GreaterThan(amount) {
		return fmt.Errorf("%w: fee exceeds credited amount", generic.ErrInvalidAmount)
	}
	return nil
}

// Apply commits one credit or debit. Version conflicts are retried with
// jittered backoff; once the budget is spent ErrConcurrentModification is
// returned. Business errors are returned immediately.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (Receipt, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	err := e.retry.Do(ctx, func(attempt int) error {
		acct, version, err := e.load(ctx, req.AccountID)
		if err != nil {
			return err
		}

		tx, err := e.transition(&acct, req.Direction, req.Amount, req.Fee, req.OperationID, req.Metadata)
		if err != nil {
			return err
		}

		acctWrite, err := generic.PutWrite(generic.AccountKey(acct.ID), acct, version)
		if err != nil {
			return err
		}
		txWrite, err := generic.PutWrite(generic.TransactionKey(acct.ID, tx.Sequence), tx, 0)
		if err != nil {
			return err
		}

		if err := e.store.Commit(ctx, acctWrite, txWrite); err != nil {
			if errors.Is(err, generic.ErrVersionConflict) {
				e.metrics.ObserveConflict("balance")
				e.logger.DebugContext(ctx, "balance version conflict",
					slog.String("account_id", acct.ID), slog.Int("attempt", attempt))
			}
			return err
		}
		receipt = receiptOf(tx)
		return nil
	})

	e.metrics.ObserveApply(string(req.Direction), outcomeOf(err), time.Since(start))
	if err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			e.logger.WarnContext(ctx, "balance apply gave up on contention",
				slog.String("account_id", req.AccountID), slog.String("operation_id", req.OperationID))
		}
		return Receipt{}, err
	}

	e.balances.Invalidate(generic.AccountKey(req.AccountID))
	e.logger.DebugContext(ctx, "balance applied",
		slog.String("account_id", receipt.AccountID),
		slog.String("direction", string(receipt.Direction)),
		slog.String("amount", receipt.Amount.String()),
		slog.String("balance_after", receipt.BalanceAfter.String()))
	return receipt, nil
}

// transition mutates acct in place and returns the transaction recording it.
func (e *Engine) transition(acct *generic.Account, dir generic.Direction, amount, fee decimal.Decimal, operationID string, metadata map[string]any) (generic.LedgerTransaction, error) {
	before := acct.Balance
	var after decimal.Decimal

	switch dir {
	case generic.Credit:
		after = before.Add(amount).Sub(fee)
		acct.TotalCredited = acct.TotalCredited.Add(amount)
		acct.TotalDebited = acct.TotalDebited.Add(fee)
	case generic.Debit:
		total := amount.Add(fee)
		if !e.allowOverdraft && total.GreaterThan(before) {
			return generic.LedgerTransaction{}, &generic.InsufficientFundsError{
				AccountID: acct.ID,
				Available: before,
				Requested: total,
			}
		}
		after = before.Sub(total)
		acct.TotalDebited = acct.TotalDebited.Add(total)
	}

	now := e.clock.Now()
	acct.Balance = after
	acct.TotalFees = acct.TotalFees.Add(fee)
	acct.Revision++
	acct.UpdatedAt = now

	return generic.LedgerTransaction{
		ID:            e.ids.NewID(),
		AccountID:     acct.ID,
		OperationID:   operationID,
		Direction:     dir,
		Amount:        amount,
		Fee:           fee,
		BalanceBefore: before,
		BalanceAfter:  after,
		Sequence:      acct.Revision,
		CreatedAt:     now,
		Metadata:      metadata,
	}, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, generic.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, generic.ErrAccountNotFound):
		return "not_found"
	default:
		return "error"
	}
}
