/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the component records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts:
    AccountDTO, CreateAccountRequest

  Money movement:
    ApplyBalanceRequest, ApplyResponse, TransferRequestDTO, TransferResponse

  Counters:
    CounterDTO, IncrementResponse, ReconcileResponse

  Rate limiting:
    RateLimitStatsResponse, RateLimitResetResponse

VALIDATION:
  Validation is done by the components, not in DTOs. DTOs are pure data
  carriers; handlers only check what the components cannot see (headers,
  path parameters, query strings).

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/txcore/balance"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/ratelimit"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID            string          `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalCredited decimal.Decimal `json:"total_credited"`
	TotalDebited  decimal.Decimal `json:"total_debited"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	Revision      int64           `json:"revision"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toAccountDTO(a generic.Account) AccountDTO {
	return AccountDTO{
		ID:            a.ID,
		Balance:       a.Balance,
		TotalCredited: a.TotalCredited,
		TotalDebited:  a.TotalDebited,
		TotalFees:     a.TotalFees,
		Revision:      a.Revision,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// CreateAccountRequest is the request to open an account.
type CreateAccountRequest struct {
	AccountID string `json:"account_id"`
}

// =============================================================================
// MONEY MOVEMENT
// =============================================================================

// ApplyBalanceRequest is the body of a credit or debit. Amounts may be sent
// as JSON strings ("12.50") or numbers.
type ApplyBalanceRequest struct {
	Amount   decimal.Decimal       `json:"amount"`
	Fee      decimal.Decimal       `json:"fee"`
	Type     generic.OperationType `json:"type,omitempty"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// ApplyResponse wraps a receipt with its idempotency outcome.
type ApplyResponse struct {
	OperationID string          `json:"operation_id"`
	Replayed    bool            `json:"replayed"`
	Receipt     balance.Receipt `json:"receipt"`
}

// TransferRequestDTO is the body of POST /api/transfers.
type TransferRequestDTO struct {
	From     string                `json:"from"`
	To       string                `json:"to"`
	Amount   decimal.Decimal       `json:"amount"`
	Fee      decimal.Decimal       `json:"fee"`
	Type     generic.OperationType `json:"type,omitempty"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

type TransferResponse struct {
	OperationID string                  `json:"operation_id"`
	Replayed    bool                    `json:"replayed"`
	Receipt     balance.TransferReceipt `json:"receipt"`
}

// =============================================================================
// COUNTERS
// =============================================================================

// CounterDTO represents a sharded counter. Total is the denormalized count;
// ShardSum is what the shards record right now.
type CounterDTO struct {
	ID          string        `json:"id"`
	Total       int64         `json:"total"`
	ShardSum    int64         `json:"shard_sum"`
	ShardCount  int           `json:"shard_count"`
	Shards      map[int]int64 `json:"shards"`
	LastUpdated time.Time     `json:"last_updated"`
}

func toCounterDTO(c generic.ShardedCounter) CounterDTO {
	return CounterDTO{
		ID:          c.ID,
		Total:       c.TotalCount,
		ShardSum:    c.Sum(),
		ShardCount:  c.ShardCount,
		Shards:      c.Shards,
		LastUpdated: c.LastUpdated,
	}
}

type IncrementResponse struct {
	CounterID string `json:"counter_id"`
	Accepted  bool   `json:"accepted"`
}

type ReconcileResponse struct {
	CounterID string `json:"counter_id"`
	Total     int64  `json:"total"`
}

// =============================================================================
// RATE LIMITING
// =============================================================================

type RateLimitStatsResponse struct {
	CallerID string                `json:"caller_id"`
	Tiers    []ratelimit.TierStats `json:"tiers"`
}

type RateLimitResetResponse struct {
	CallerID string `json:"caller_id"`
	Removed  int    `json:"removed"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}
