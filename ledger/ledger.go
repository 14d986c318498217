/*
ledger.go - Operation ledger (at-most-once execution)

PURPOSE:
  Records the lifecycle of every money-moving call under a caller-supplied
  operation ID, so a client that retries a network-failed request with the
  same key never causes a second side effect.

LIFECYCLE:
  (none) --Begin--> pending --Complete--> completed   (immutable)
                           \--Fail------> failed      (Begin may retry)
  pending older than the staleness threshold counts as abandoned and may be
  taken over by a new Begin.

ATTEMPT FENCING:
  Each successful Begin bumps Attempt. Complete and Fail name the attempt
  they finish, so a stalled attempt whose lease was taken over gets
  ErrStaleAttempt instead of overwriting the newer attempt's outcome.

CONCURRENCY:
  Every transition is a versioned Put on op/{id}. Two callers racing on the
  same ID cannot both win the pending slot; the loser re-reads and sees
  InProgress.

SEE ALSO:
  - run.go: Run / Execute, the composite runIdempotent helper
  - generic/store.go: the Store primitives used here
*/
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/metrics"
)

// DefaultStaleAfter is how long a pending record blocks retries before it
// is treated as abandoned.
const DefaultStaleAfter = 5 * time.Minute

// Operation is what a caller declares when starting an idempotent call.
type Operation struct {
	ID        string
	Type      generic.OperationType
	SubjectID string
	Amount    decimal.Decimal
	Metadata  map[string]any
}

func (op Operation) validate() error {
	if err := generic.ValidID(op.ID); err != nil {
		return err
	}
	if op.Type != "" && !op.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", generic.ErrInvalidRequest, op.Type)
	}
	if op.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", generic.ErrInvalidAmount)
	}
	return nil
}

// sameFingerprint reports whether rec was created for the same logical call.
// Type is reporting-only and deliberately left out.
func sameFingerprint(rec generic.OperationRecord, op Operation) bool {
	return rec.SubjectID == op.SubjectID && rec.Amount.Equal(op.Amount)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store      generic.Store
	clock      generic.Clock
	staleAfter time.Duration
	retry      generic.RetryPolicy
	logger     *slog.Logger
	metrics    *metrics.Collector
}

type Option func(*Ledger)

func WithStaleAfter(d time.Duration) Option {
	return func(l *Ledger) { l.staleAfter = d }
}

func WithClock(c generic.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithRetryPolicy(p generic.RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = m }
}

func New(store generic.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		clock:      generic.SystemClock(),
		staleAfter: DefaultStaleAfter,
		retry:      generic.DefaultRetryPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the record for id or ErrOperationNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (generic.OperationRecord, error) {
	rec, _, err := l.load(ctx, id)
	return rec, err
}

func (l *Ledger) load(ctx context.Context, id string) (generic.OperationRecord, int64, error) {
	var rec generic.OperationRecord
	version, err := generic.GetJSON(ctx, l.store, generic.OperationKey(id), &rec)
	if errors.Is(err, generic.ErrNotFound) {
		return generic.OperationRecord{}, 0, &generic.OperationError{OperationID: id, Err: generic.ErrOperationNotFound}
	}
	if err != nil {
		return generic.OperationRecord{}, 0, err
	}
	return rec, version, nil
}

// HasCompleted is true iff a completed record exists for id.
func (l *Ledger) HasCompleted(ctx context.Context, id string) (bool, error) {
	rec, err := l.Get(ctx, id)
	if errors.Is(err, generic.ErrOperationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == generic.StatusCompleted, nil
}

// Begin claims op.ID for a new attempt and returns the attempt number.
//
// Errors:
//   - ErrAlreadyCompleted: a completed record exists
//   - ErrInProgress: a fresh pending record exists
//   - ErrIdempotencyMismatch: the ID was used for a different subject or amount
func (l *Ledger) Begin(ctx context.Context, op Operation) (int, error) {
	if err := op.validate(); err != nil {
		return 0, err
	}
	if op.Type == "" {
		op.Type = generic.OpGeneric
	}

	var attempt int
	err := l.retry.Do(ctx, func(int) error {
		now := l.clock.Now()
		rec, version, err := l.load(ctx, op.ID)

		switch {
		case errors.Is(err, generic.ErrOperationNotFound):
			rec = generic.OperationRecord{
				ID:        op.ID,
				Type:      op.Type,
				SubjectID: op.SubjectID,
				Amount:    op.Amount,
				CreatedAt: now,
			}
		case err != nil:
			return err
		case !sameFingerprint(rec, op):
			return &generic.OperationError{OperationID: op.ID, Status: rec.Status, Err: generic.ErrIdempotencyMismatch}
		case rec.Status == generic.StatusCompleted:
			return &generic.OperationError{OperationID: op.ID, Status: rec.Status, Err: generic.ErrAlreadyCompleted}
		case rec.Status == generic.StatusPending && now.Sub(rec.UpdatedAt) < l.staleAfter:
			return &generic.OperationError{OperationID: op.ID, Status: rec.Status, Err: generic.ErrInProgress}
		case rec.Status == generic.StatusPending:
			l.logger.WarnContext(ctx, "taking over abandoned operation",
				slog.String("operation_id", op.ID),
				slog.Int("previous_attempt", rec.Attempt),
				slog.Duration("pending_for", now.Sub(rec.UpdatedAt)))
		}

		rec.Type = op.Type
		rec.Status = generic.StatusPending
		rec.Metadata = op.Metadata
		rec.Result = nil
		rec.Error = ""
		rec.CompletedAt = nil
		rec.Attempt++
		rec.UpdatedAt = now

		if _, err := generic.PutJSON(ctx, l.store, generic.OperationKey(op.ID), rec, version); err != nil {
			if errors.Is(err, generic.ErrVersionConflict) {
				l.metrics.ObserveConflict("ledger")
			}
			return err
		}
		attempt = rec.Attempt
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

// Complete moves a pending record to completed and stores result for replay.
// attempt is the value Begin returned; 0 skips the fencing check.
func (l *Ledger) Complete(ctx context.Context, id string, attempt int, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", id, err)
	}
	return l.finish(ctx, id, attempt, func(rec *generic.OperationRecord, now time.Time) {
		rec.Status = generic.StatusCompleted
		rec.Result = data
		rec.CompletedAt = &now
	})
}

// Fail moves a pending record to failed. A failed operation may be retried
// by calling Begin again with the same ID.
func (l *Ledger) Fail(ctx context.Context, id string, attempt int, message string) error {
	return l.finish(ctx, id, attempt, func(rec *generic.OperationRecord, now time.Time) {
		rec.Status = generic.StatusFailed
		rec.Error = message
		rec.CompletedAt = &now
	})
}

func (l *Ledger) finish(ctx context.Context, id string, attempt int, apply func(*generic.OperationRecord, time.Time)) error {
	return l.retry.Do(ctx, func(int) error {
		rec, version, err := l.load(ctx, id)
		if err != nil {
			return err
		}
		if attempt != 0 && rec.Attempt != attempt {
			return &generic.OperationError{OperationID: id, Status: rec.Status, Err: generic.ErrStaleAttempt}
		}
		if rec.Status != generic.StatusPending {
			return &generic.OperationError{OperationID: id, Status: rec.Status, Err: generic.ErrNotPending}
		}

		now := l.clock.Now()
		apply(&rec, now)
		rec.UpdatedAt = now

		_, err = generic.PutJSON(ctx, l.store, generic.OperationKey(id), rec, version)
		if errors.Is(err, generic.ErrVersionConflict) {
			l.metrics.ObserveConflict("ledger")
		}
		return err
	})
}

// =============================================================================
// RETENTION
// =============================================================================

const cleanupPage = 200

// Cleanup deletes terminal records last touched before cutoff and returns
// how many were removed. Pending records are never removed. A record that
// changes during the sweep is skipped.
func (l *Ledger) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		removed int
		after   string
	)
	for {
		docs, err := l.store.List(ctx, generic.PrefixOperation, generic.ListOptions{After: after, Limit: cleanupPage})
		if err != nil {
			return removed, err
		}
		for _, doc := range docs {
			after = doc.Key

			var rec generic.OperationRecord
			if err := doc.Decode(&rec); err != nil {
				l.logger.WarnContext(ctx, "skipping undecodable operation record", slog.String("key", doc.Key), slog.Any("error", err))
				continue
			}
			if !rec.Status.Terminal() || !rec.UpdatedAt.Before(cutoff) {
				continue
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
		if len(docs) < cleanupPage {
			break
		}
	}

	if removed > 0 {
		l.logger.InfoContext(ctx, "operation records cleaned up", slog.Int("removed", removed), slog.Time("cutoff", cutoff))
	}
	return removed, nil
}
