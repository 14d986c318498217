/*
store.go - Transactional store interface

PURPOSE:
  Defines the narrow contract between the transaction core and whatever
  persists it. The core needs exactly three capabilities:
    - readWithVersion:        Get
    - writeIfVersionMatches:  Put
    - atomicMultiWrite:       Commit
  plus ordered prefix listing for history pages and maintenance sweeps.

DOCUMENT MODEL:
  Every record is a JSON document under a "/"-separated key. Each document
  carries a Version that the store bumps on every write. Version 0 means
  "does not exist", so Put(key, data, 0) is a create-only write.

KEY LAYOUT (see keys.go):
  op/{operationID}                   OperationRecord
  acct/{accountID}                   Account
  txn/{accountID}/{sequence:020d}    LedgerTransaction
  ctr/{counterID}                    counter summary (denormalized total)
  cs/{counterID}/{index:05d}         one counter shard
  rl/{callerID}/{tier}               RateLimitBucket

FAILURE CONTRACT:
  - Version mismatch      -> ErrVersionConflict
  - Missing key on Get    -> ErrNotFound
  - Driver/network errors -> wrapped with ErrStoreUnavailable

IMPLEMENTATIONS:
  - generic/store/memory.go: in-memory, for tests and single process
  - store/sqlite:            embedded single-node deployments
  - store/postgres:          pgx, multi-instance
  - store/redis:             go-redis WATCH/MULTI, multi-instance
*/
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Document is one versioned record.
type Document struct {
	Key       string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Key, err)
	}
	return nil
}

// Write is one element of an atomic Commit.
type Write struct {
	Key             string
	Data            []byte // ignored when Delete is set
	ExpectedVersion int64  // 0 = must not exist (for puts)
	Delete          bool
}

// PutWrite builds a versioned put, encoding v as JSON.
func PutWrite(key string, v any, expected int64) (Write, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Write{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return Write{Key: key, Data: data, ExpectedVersion: expected}, nil
}

// DeleteWrite builds a versioned delete.
func DeleteWrite(key string, expected int64) Write {
	return Write{Key: key, ExpectedVersion: expected, Delete: true}
}

// ListOptions controls ordered prefix scans.
type ListOptions struct {
	// After is an exclusive cursor: only keys strictly after it (or strictly
	// before it when Reverse is set) are returned.
	After   string
	Limit   int
	Reverse bool
}

// =============================================================================
// STORE - readWithVersion / writeIfVersionMatches / atomicMultiWrite
// =============================================================================

type Store interface {
	// Get returns the document at key or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)

	// Put writes data if the stored version equals expected and returns the
	// new document. expected == 0 requires the key to be absent.
	Put(ctx context.Context, key string, data []byte, expected int64) (Document, error)

	// Commit applies all writes atomically. Either all succeed or none do.
	Commit(ctx context.Context, writes ...Write) error

	// List returns documents whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string, opts ListOptions) ([]Document, error)
}

// PutJSON encodes v and writes it with Put.
func PutJSON(ctx context.Context, s Store, key string, v any, expected int64) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, expected)
}

// GetJSON reads key and decodes it into v, returning the stored version.
func GetJSON(ctx context.Context, s Store, key string, v any) (int64, error) {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return doc.Version, doc.Decode(v)
}
