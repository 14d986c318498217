package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/txcore/generic"
)

// TransferRequest moves Amount from one account to another. The fee is
// withheld from the credited side, so To receives Amount - Fee.
type TransferRequest struct {
	From        string
	To          string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	OperationID string
	Metadata    map[string]any
}

type TransferReceipt struct {
	OperationID string  `json:"operation_id,omitempty"`
	Debit       Receipt `json:"debit"`
	Credit      Receipt `json:"credit"`
}

func (r TransferRequest) validate() error {
	if err := generic.ValidID(r.From); err != nil {
		return err
	}
	if err := generic.ValidID(r.To); err != nil {
		return err
	}
	if r.From == r.To {
		return fmt.Errorf("%w: self-transfer not allowed", generic.ErrInvalidRequest)
	}
	return validateAmounts(generic.Credit, r.Amount, r.Fee)
}

// Transfer debits From and credits To in a single commit: both account
// documents and both transaction records succeed together or not at all.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return TransferReceipt{}, err
	}

	var receipt TransferReceipt
	err := e.retry.Do(ctx, func(attempt int) error {
		from, fromVersion, err := e.load(ctx, req.From)
		if err != nil {
			return err
		}
		to, toVersion, err := e.load(ctx, req.To)
		if err != nil {
			return err
		}

		debit, err := e.transition(&from, generic.Debit, req.Amount, decimal.Zero, req.OperationID, req.Metadata)
		if err != nil {
			return err
		}
		credit, err := e.transition(&to, generic.Credit, req.Amount, req.Fee, req.OperationID, req.Metadata)
		if err != nil {
			return err
		}

		writes := make([]generic.Write, 0, 4)
		for _, w := range []struct {
			key      string
			v        any
			expected int64
		}{
			{generic.AccountKey(from.ID), from, fromVersion},
			{generic.TransactionKey(from.ID, debit.Sequence), debit, 0},
			{generic.AccountKey(to.ID), to, toVersion},
			{generic.TransactionKey(to.ID, credit.Sequence), credit, 0},
		} {
			write, err := generic.PutWrite(w.key, w.v, w.expected)
			if err != nil {
				return err
			}
			writes = append(writes, write)
		}

		if err := e.store.Commit(ctx, writes...); err != nil {
			if errors.Is(err, generic.ErrVersionConflict) {
				e.metrics.ObserveConflict("balance")
			}
			return err
		}

		receipt = TransferReceipt{
			OperationID: req.OperationID,
			Debit:       receiptOf(debit),
			Credit:      receiptOf(credit),
		}
		return nil
	})

	e.metrics.ObserveApply("transfer", outcomeOf(err), time.Since(start))
	if err != nil {
		return TransferReceipt{}, err
	}

	e.balances.Invalidate(generic.AccountKey(req.From))
	e.balances.Invalidate(generic.AccountKey(req.To))
	e.logger.InfoContext(ctx, "transfer committed",
		slog.String("from", req.From),
		slog.String("to", req.To),
		slog.String("amount", req.Amount.String()),
		slog.String("fee", req.Fee.String()))
	return receipt, nil
}
