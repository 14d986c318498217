package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/txcore/generic"
)

// Outcome describes how Execute produced its value.
type Outcome struct {
	// Replayed is set when the value came from a previously completed record
	// and fn was not invoked.
	Replayed bool
	Attempt  int
}

// Run executes fn at most once per op.ID.
//
// If the operation already completed, the stored result is decoded into T
// and returned without calling fn. Otherwise Run claims the ID, invokes fn
// and records the outcome. fn's error is returned after it is recorded.
func Run[T any](ctx context.Context, l *Ledger, op Operation, fn func(context.Context) (T, error)) (T, error) {
	v, _, err := Execute(ctx, l, op, fn)
	return v, err
}

// Execute is Run that also reports whether the value was replayed.
func Execute[T any](ctx context.Context, l *Ledger, op Operation, fn func(context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	if op.Type == "" {
		op.Type = generic.OpGeneric
	}

	if v, ok, err := replay[T](ctx, l, op); err != nil || ok {
		return v, Outcome{Replayed: ok}, err
	}

	attempt, err := l.Begin(ctx, op)
	if errors.Is(err, generic.ErrAlreadyCompleted) {
		// lost the race to another caller that completed in between
		v, _, rerr := replay[T](ctx, l, op)
		return v, Outcome{Replayed: true}, rerr
	}
	if err != nil {
		l.metrics.ObserveOperation(string(op.Type), "rejected")
		return zero, Outcome{}, err
	}

	log := l.logger.With(slog.String("operation_id", op.ID), slog.Int("attempt", attempt))

	v, ferr := fn(ctx)

	// The outcome must be recorded even if the caller's context was
	// cancelled while fn ran.
	recordCtx := context.WithoutCancel(ctx)

	if ferr != nil {
		if err := l.Fail(recordCtx, op.ID, attempt, ferr.Error()); err != nil {
			log.ErrorContext(ctx, "failed to record operation failure", slog.Any("error", err), slog.Any("cause", ferr))
		}
		l.metrics.ObserveOperation(string(op.Type), "failed")
		return zero, Outcome{Attempt: attempt}, ferr
	}

	if err := l.Complete(recordCtx, op.ID, attempt, v); err != nil {
		log.ErrorContext(ctx, "operation side effect applied but completion not recorded", slog.Any("error", err))
		return zero, Outcome{Attempt: attempt}, fmt.Errorf("record completion of %s: %w", op.ID, err)
	}
	l.metrics.ObserveOperation(string(op.Type), "completed")
	return v, Outcome{Attempt: attempt}, nil
}

// replay returns the stored result when op.ID is already completed.
func replay[T any](ctx context.Context, l *Ledger, op Operation) (T, bool, error) {
	var v T
	rec, err := l.Get(ctx, op.ID)
	if errors.Is(err, generic.ErrOperationNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if rec.Status != generic.StatusCompleted {
		return v, false, nil
	}
	if !sameFingerprint(rec, op) {
		return v, false, &generic.OperationError{OperationID: op.ID, Status: rec.Status, Err: generic.ErrIdempotencyMismatch}
	}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return v, false, fmt.Errorf("decode stored result of %s: %w", op.ID, err)
		}
	}
	l.metrics.ObserveOperation(string(rec.Type), "replayed")
	return v, true, nil
}
