package balance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/warp/txcore/generic"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HistoryPage is one newest-first page of an account's transactions.
// NextCursor is empty on the last page.
type HistoryPage struct {
	Transactions []generic.LedgerTransaction `json:"transactions"`
	NextCursor   string                      `json:"next_cursor,omitempty"`
}

// History returns up to limit transactions older than cursor, newest first.
// The cursor is the sequence number of the last transaction of the previous
// page; it stays valid while new transactions are appended.
func (e *Engine) History(ctx context.Context, accountID string, limit int, cursor string) (HistoryPage, error) {
	if _, err := e.GetAccount(ctx, accountID); err != nil {
		return HistoryPage{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	opts := generic.ListOptions{Limit: limit + 1, Reverse: true}
	if cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || seq <= 0 {
			return HistoryPage{}, fmt.Errorf("%w: malformed cursor %q", generic.ErrInvalidRequest, cursor)
		}
		opts.After = generic.TransactionKey(accountID, seq)
	}

	docs, err := e.store.List(ctx, generic.TransactionPrefix(accountID), opts)
	if err != nil {
		return HistoryPage{}, err
	}

	page := HistoryPage{Transactions: make([]generic.LedgerTransaction, 0, min(len(docs), limit))}
	for i, doc := range docs {
		if i == limit {
			page.NextCursor = strconv.FormatInt(page.Transactions[limit-1].Sequence, 10)
			break
		}
		var tx generic.LedgerTransaction
		if err := doc.Decode(&tx); err != nil {
			return HistoryPage{}, err
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

// AuditReport is the result of replaying an account's full history.
type AuditReport struct {
	AccountID    string          `json:"account_id"`
	Transactions int             `json:"transactions"`
	SumOfDeltas  decimal.Decimal `json:"sum_of_deltas"`
	Balance      decimal.Decimal `json:"balance"`
	Consistent   bool            `json:"consistent"`
	// FirstBreak is the sequence where the before/after chain first broke, 0 if none.
	FirstBreak int64 `json:"first_break,omitempty"`
}

// Audit walks the account's transactions oldest first and checks that the
// balance chain is unbroken and sums to the stored balance.
func (e *Engine) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	acct, err := e.GetAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{AccountID: accountID, Balance: acct.Balance, SumOfDeltas: decimal.Zero}
	prev := decimal.Zero
	after := ""
	for {
		docs, err := e.store.List(ctx, generic.TransactionPrefix(accountID), generic.ListOptions{After: after, Limit: MaxHistoryLimit})
		if err != nil {
			return AuditReport{}, err
		}
		for _, doc := range docs {
			after = doc.Key
			var tx generic.LedgerTransaction
			if err := doc.Decode(&tx); err != nil {
				return AuditReport{}, err
			}
			if report.FirstBreak == 0 && !tx.BalanceBefore.Equal(prev) {
				report.FirstBreak = tx.Sequence
			}
			prev = tx.BalanceAfter
			report.SumOfDeltas = report.SumOfDeltas.Add(tx.Delta())
			report.Transactions++
		}
		if len(docs) < MaxHistoryLimit {
			break
		}
	}

	report.Consistent = report.FirstBreak == 0 &&
		report.SumOfDeltas.Equal(acct.Balance) &&
		acct.Balance.Equal(acct.TotalCredited.Sub(acct.TotalDebited))
	return report, nil
}
