/*
handlers.go - HTTP API handlers for the transaction core

PURPOSE:
  Exposes the operation ledger, the balance engine, the sharded counter and
  the rate limiter via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the components.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Open account (idempotent)
    GET    /api/accounts/{id}                  Account snapshot
    GET    /api/accounts/{id}/transactions     History, newest first
    POST   /api/accounts/{id}/credit           Credit  (Idempotency-Key required)
    POST   /api/accounts/{id}/debit            Debit   (Idempotency-Key required)

  Transfers:
    POST   /api/transfers                      Atomic two-account move (Idempotency-Key required)

  Operations:
    GET    /api/operations/{id}                Operation record

  Counters:
    POST   /api/counters/{id}/increment        Add one (?shards=N)
    GET    /api/counters/{id}                  Summary and shards
    POST   /api/counters/{id}/reconcile        Recompute total from shards

  Admin (NewAdminRouter only):
    GET    /admin/ratelimit/{caller}           Usage per tier
    DELETE /admin/ratelimit/{caller}           Reset every tier
    GET    /admin/usage/{caller}               Request log analytics (?from=&to=)
    GET    /admin/accounts/{id}/audit          Replay history against the balance

IDEMPOTENCY:
  Money-moving endpoints run through ledger.Execute keyed by the
  Idempotency-Key header. The first execution answers 201, a replay of a
  completed key answers 200 with the stored receipt and the
  Idempotent-Replayed header.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account, operation or counter not found
  - 409: Operation in progress, concurrent modification
  - 422: Insufficient funds, idempotency key reused with another payload
  - 429: Rate limit exceeded
  - 503: Store unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/txcore/balance"
	"github.com/warp/txcore/counter"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/ledger"
	"github.com/warp/txcore/ratelimit"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

// Handler holds all API dependencies.
type Handler struct {
	Ledger   *ledger.Ledger
	Balances *balance.Engine
	Counters *counter.Counter
	Limiter  *ratelimit.Limiter

	// Tiers are reported by the rate limit admin endpoints.
	Tiers []ratelimit.Tier

	// Ping reports store health for /health. Optional.
	Ping func(ctx context.Context) error

	Clock  generic.Clock
	Logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(ops *ledger.Ledger, balances *balance.Engine, counters *counter.Counter, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		Ledger:   ops,
		Balances: balances,
		Counters: counters,
		Limiter:  limiter,
		Tiers:    ratelimit.DefaultTiers,
		Clock:    generic.SystemClock(),
		Logger:   slog.Default(),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount opens an account. Opening an existing account returns it
// unchanged with 200.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, created, err := h.Balances.EnsureAccount(r.Context(), req.AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccountDTO(acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Balances.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTransactions returns one page of history: ?limit=&cursor=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	page, err := h.Balances.History(r.Context(), chi.URLParam(r, "id"), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page.Transactions == nil {
		page.Transactions = []generic.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, page)
}

// Credit and Debit share applyBalance.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	h.applyBalance(w, r, generic.Credit, generic.OpDeposit)
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	h.applyBalance(w, r, generic.Debit, generic.OpWithdrawal)
}

func (h *Handler) applyBalance(w http.ResponseWriter, r *http.Request, dir generic.Direction, defaultType generic.OperationType) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req ApplyBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Type == "" {
		req.Type = defaultType
	}

	// the direction is part of the subject, so a key used for a credit
	// cannot replay as a debit
	accountID := chi.URLParam(r, "id")
	op := ledger.Operation{
		ID:        key,
		Type:      req.Type,
		SubjectID: accountID + ":" + string(dir),
		Amount:    req.Amount,
		Metadata:  req.Metadata,
	}

	receipt, outcome, err := ledger.Execute(r.Context(), h.Ledger, op, func(ctx context.Context) (balance.Receipt, error) {
		return h.Balances.Apply(ctx, balance.ApplyRequest{
			AccountID:   accountID,
			Direction:   dir,
			Amount:      req.Amount,
			Fee:         req.Fee,
			OperationID: key,
			Metadata:    req.Metadata,
		})
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, replayStatus(w, outcome), ApplyResponse{OperationID: key, Replayed: outcome.Replayed, Receipt: receipt})
}

// =============================================================================
// TRANSFER ENDPOINTS
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req TransferRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Type == "" {
		req.Type = generic.OpGeneric
	}

	// both legs are the subject so reusing a key for another pair is a mismatch
	op := ledger.Operation{
		ID:        key,
		Type:      req.Type,
		SubjectID: req.From + ">" + req.To,
		Amount:    req.Amount,
		Metadata:  req.Metadata,
	}

	receipt, outcome, err := ledger.Execute(r.Context(), h.Ledger, op, func(ctx context.Context) (balance.TransferReceipt, error) {
		return h.Balances.Transfer(ctx, balance.TransferRequest{
			From:        req.From,
			To:          req.To,
			Amount:      req.Amount,
			Fee:         req.Fee,
			OperationID: key,
			Metadata:    req.Metadata,
		})
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, replayStatus(w, outcome), TransferResponse{OperationID: key, Replayed: outcome.Replayed, Receipt: receipt})
}

// =============================================================================
// OPERATION ENDPOINTS
// =============================================================================

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// COUNTER ENDPOINTS
// =============================================================================

// IncrementCounter adds one. The total catches up asynchronously, so the
// reply is 202 without a count.
func (h *Handler) IncrementCounter(w http.ResponseWriter, r *http.Request) {
	shards := 0
	if s := r.URL.Query().Get("shards"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid shard count", err)
			return
		}
		shards = n
	}

	id := chi.URLParam(r, "id")
	if err := h.Counters.Increment(r.Context(), id, shards); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IncrementResponse{CounterID: id, Accepted: true})
}

func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	c, err := h.Counters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCounterDTO(c))
}

func (h *Handler) ReconcileCounter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	total, err := h.Counters.Reconcile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{CounterID: id, Total: total})
}

// =============================================================================
// RATE LIMIT ENDPOINTS
// =============================================================================

func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	stats, err := h.Limiter.Stats(r.Context(), caller, h.Tiers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RateLimitStatsResponse{CallerID: caller, Tiers: stats})
}

func (h *Handler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	removed, err := h.Limiter.Reset(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RateLimitResetResponse{CallerID: caller, Removed: removed})
}

// GetUsage aggregates the caller's request logs: ?from=&to= (RFC 3339).
// The range defaults to the last 24 hours.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	to := h.Clock.Now()
	from := to.Add(-24 * time.Hour)
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if s := r.URL.Query().Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+name, err)
				return
			}
			*dst = t
		}
	}

	usage, err := h.Limiter.Usage(r.Context(), chi.URLParam(r, "caller"), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

func (h *Handler) AuditAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.Balances.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// idempotencyKey reads the required Idempotency-Key header and answers 400
// when it is missing.
func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", nil)
		return "", false
	}
	return key, true
}

func replayStatus(w http.ResponseWriter, outcome ledger.Outcome) int {
	if outcome.Replayed {
		w.Header().Set(ReplayedHeader, "true")
		return http.StatusOK
	}
	return http.StatusCreated
}

// statusFor maps the error taxonomy to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, generic.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, generic.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "idempotency_mismatch"
	case errors.Is(err, generic.ErrInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, generic.ErrConcurrentModification), errors.Is(err, generic.ErrVersionConflict):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, generic.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrInvalidAmount), errors.Is(err, generic.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes the mapped error reply. Server-side failures are logged with
// the request ID; client errors are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	if status == http.StatusInternalServerError {
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "invalid_request"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

