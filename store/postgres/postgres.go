// Package postgres implements generic.Store on PostgreSQL using pgx.
//
// It is the multi-instance backend: every Put and Commit is a conditional
// write on the row version, so several API processes can share one database
// without any in-process coordination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/txcore/generic"
)

var _ generic.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	key        TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	db *pgxpool.Pool
}

// NewStore connects, pings and migrates.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to migrate database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return generic.Unavailable("ping", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, key string) (generic.Document, error) {
	var doc generic.Document
	err := s.db.QueryRow(ctx,
		"SELECT key, version, data, updated_at FROM documents WHERE key = $1", key,
	).Scan(&doc.Key, &doc.Version, &doc.Data, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Document{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.Document{}, generic.Unavailable("postgres get", err)
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, expected int64) (generic.Document, error) {
	updatedAt, err := putDocument(ctx, s.db, key, data, expected)
	if err != nil {
		return generic.Document{}, err
	}
	return generic.Document{Key: key, Version: expected + 1, Data: data, UpdatedAt: updatedAt}, nil
}

// Commit runs all writes in one READ COMMITTED transaction. Each write is
// conditional on its row version, so a concurrent writer makes the
// conditional statement match zero rows and the whole commit rolls back.
func (s *Store) Commit(ctx context.Context, writes ...generic.Write) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return generic.Unavailable("postgres begin", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range writes {
		if w.Delete {
			err = deleteDocument(ctx, tx, w.Key, w.ExpectedVersion)
		} else {
			_, err = putDocument(ctx, tx, w.Key, w.Data, w.ExpectedVersion)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return generic.ErrVersionConflict
		}
		return generic.Unavailable("postgres commit", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string, opts generic.ListOptions) ([]generic.Document, error) {
	query := "SELECT key, version, data, updated_at FROM documents WHERE left(key, length($1)) = $1"
	args := []any{prefix}

	// COLLATE "C" keeps ordering byte-wise, matching the other adapters
	if opts.After != "" {
		args = append(args, opts.After)
		if opts.Reverse {
			query += fmt.Sprintf(` AND key COLLATE "C" < $%d`, len(args))
		} else {
			query += fmt.Sprintf(` AND key COLLATE "C" > $%d`, len(args))
		}
	}
	if opts.Reverse {
		query += ` ORDER BY key COLLATE "C" DESC`
	} else {
		query += ` ORDER BY key COLLATE "C" ASC`
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable("postgres list", err)
	}
	defer rows.Close()

	var docs []generic.Document
	for rows.Next() {
		var doc generic.Document
		if err := rows.Scan(&doc.Key, &doc.Version, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, generic.Unavailable("postgres scan", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, generic.Unavailable("postgres list", err)
	}
	return docs, nil
}

func putDocument(ctx context.Context, q querier, key string, data []byte, expected int64) (time.Time, error) {
	var (
		updatedAt time.Time
		err       error
	)
	if expected == 0 {
		err = q.QueryRow(ctx,
			`INSERT INTO documents (key, version, data, updated_at) VALUES ($1, 1, $2, now())
			 ON CONFLICT (key) DO NOTHING RETURNING updated_at`,
			key, data,
		).Scan(&updatedAt)
	} else {
		err = q.QueryRow(ctx,
			`UPDATE documents SET version = version + 1, data = $2, updated_at = now()
			 WHERE key = $1 AND version = $3 RETURNING updated_at`,
			key, data, expected,
		).Scan(&updatedAt)
	}
	if errors.Is(err, pgx.ErrNoRows) || isConflict(err) {
		return time.Time{}, generic.ErrVersionConflict
	}
	if err != nil {
		return time.Time{}, generic.Unavailable("postgres put", err)
	}
	return updatedAt, nil
}

func deleteDocument(ctx context.Context, q querier, key string, expected int64) error {
	tag, err := q.Exec(ctx, "DELETE FROM documents WHERE key = $1 AND version = $2", key, expected)
	if err != nil {
		return generic.Unavailable("postgres delete", err)
	}
	if tag.RowsAffected() != 1 {
		return generic.ErrVersionConflict
	}
	return nil
}

// isConflict maps unique violations (23505) and serialization failures
// (40001) to optimistic-concurrency conflicts.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	return false
}
