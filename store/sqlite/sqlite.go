/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Embedded, single-node persistence for the transaction core. Every record
  (operations, accounts, ledger transactions, counters, rate-limit buckets)
  lives in one versioned documents table.

OPTIMISTIC CONCURRENCY:
  Put and Commit are conditional on the stored version:
  - expected == 0:  INSERT ... ON CONFLICT(key) DO NOTHING
  - expected  > 0:  UPDATE ... WHERE key = ? AND version = ?
  Zero rows affected means someone else wrote first -> ErrVersionConflict.
  Commit runs every write inside one database transaction and rolls back
  on the first conflict.

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection and
  transactions are opened with _txlock=immediate so writers queue on the
  database lock instead of failing with SQLITE_BUSY mid-transaction.

WAL MODE:
  The database is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/txcore.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definition
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/txcore/generic"
)

var _ generic.Store = (*Store)(nil)

// Store implements generic.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// generic.Store
// =============================================================================

func (s *Store) Get(ctx context.Context, key string) (generic.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, version, data, updated_at FROM documents WHERE key = ?`, key)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Document{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.Document{}, generic.Unavailable("sqlite get", err)
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, expected int64) (generic.Document, error) {
	now := s.now()
	if err := putDocument(ctx, s.db, key, data, expected, now); err != nil {
		return generic.Document{}, err
	}
	return generic.Document{Key: key, Version: expected + 1, Data: data, UpdatedAt: now}, nil
}

func (s *Store) Commit(ctx context.Context, writes ...generic.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Unavailable("sqlite begin", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, w := range writes {
		if w.Delete {
			err = deleteDocument(ctx, tx, w.Key, w.ExpectedVersion)
		} else {
			err = putDocument(ctx, tx, w.Key, w.Data, w.ExpectedVersion, now)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return generic.Unavailable("sqlite commit", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string, opts generic.ListOptions) ([]generic.Document, error) {
	query := `SELECT key, version, data, updated_at FROM documents WHERE substr(key, 1, length(?)) = ?`
	args := []any{prefix, prefix}

	if opts.After != "" {
		if opts.Reverse {
			query += ` AND key < ?`
		} else {
			query += ` AND key > ?`
		}
		args = append(args, opts.After)
	}
	if opts.Reverse {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable("sqlite list", err)
	}
	defer rows.Close()

	var docs []generic.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, generic.Unavailable("sqlite scan", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, generic.Unavailable("sqlite list", err)
	}
	return docs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func putDocument(ctx context.Context, db execer, key string, data []byte, expected int64, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = db.ExecContext(ctx,
			`INSERT INTO documents (key, version, data, updated_at) VALUES (?, 1, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, data, now.Format(time.RFC3339Nano))
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE documents SET version = version + 1, data = ?, updated_at = ?
			 WHERE key = ? AND version = ?`,
			data, now.Format(time.RFC3339Nano), key, expected)
	}
	if err != nil {
		return generic.Unavailable("sqlite put", err)
	}
	return requireOneRow(res)
}

func deleteDocument(ctx context.Context, db execer, key string, expected int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM documents WHERE key = ? AND version = ?`, key, expected)
	if err != nil {
		return generic.Unavailable("sqlite delete", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Unavailable("sqlite rows affected", err)
	}
	if n != 1 {
		return generic.ErrVersionConflict
	}
	return nil
}

func scanDocument(row scanner) (generic.Document, error) {
	var (
		doc       generic.Document
		updatedAt string
	)
	if err := row.Scan(&doc.Key, &doc.Version, &doc.Data, &updatedAt); err != nil {
		return generic.Document{}, err
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}
