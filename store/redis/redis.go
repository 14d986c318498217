// Package redis implements generic.Store on Redis.
//
// Layout:
//
//	{prefix}:doc:{key}  hash  v=version d=json t=updated unix nanos
//	{prefix}:idx        zset  every live key, score 0, for lexicographic scans
//
// Conditional writes use WATCH/MULTI: the current version is read under
// WATCH and the write is queued in MULTI, so a concurrent writer aborts the
// transaction (redis.TxFailedErr), which maps to ErrVersionConflict.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/txcore/generic"
)

var _ generic.Store = (*Store)(nil)

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

type Option func(*Store)

// WithPrefix namespaces every key; useful when several deployments share one Redis.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, ":") }
}

func NewStore(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: "txcore",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) docKey(key string) string { return s.prefix + ":doc:" + key }
func (s *Store) idxKey() string           { return s.prefix + ":idx" }

func (s *Store) Get(ctx context.Context, key string) (generic.Document, error) {
	vals, err := s.rdb.HMGet(ctx, s.docKey(key), "v", "d", "t").Result()
	if err != nil {
		return generic.Document{}, generic.Unavailable("redis get", err)
	}
	doc, ok := decodeHash(key, vals)
	if !ok {
		return generic.Document{}, generic.ErrNotFound
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, expected int64) (generic.Document, error) {
	now := s.now()
	err := s.Commit(ctx, generic.Write{Key: key, Data: data, ExpectedVersion: expected})
	if err != nil {
		return generic.Document{}, err
	}
	return generic.Document{Key: key, Version: expected + 1, Data: data, UpdatedAt: now}, nil
}

func (s *Store) Commit(ctx context.Context, writes ...generic.Write) error {
	if len(writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(writes))
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if seen[w.Key] {
			return generic.ErrVersionConflict
		}
		seen[w.Key] = true
		keys = append(keys, s.docKey(w.Key))
	}

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		for _, w := range writes {
			cur, err := currentVersion(ctx, tx, s.docKey(w.Key))
			if err != nil {
				return err
			}
			if cur != w.ExpectedVersion || (w.Delete && cur == 0) {
				return generic.ErrVersionConflict
			}
		}

		now := s.now().UnixNano()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				if w.Delete {
					pipe.Del(ctx, s.docKey(w.Key))
					pipe.ZRem(ctx, s.idxKey(), w.Key)
					continue
				}
				pipe.HSet(ctx, s.docKey(w.Key), "v", w.ExpectedVersion+1, "d", w.Data, "t", now)
				pipe.ZAdd(ctx, s.idxKey(), redis.Z{Score: 0, Member: w.Key})
			}
			return nil
		})
		return err
	}, keys...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, generic.ErrVersionConflict):
		return generic.ErrVersionConflict
	default:
		return generic.Unavailable("redis commit", err)
	}
}

func (s *Store) List(ctx context.Context, prefix string, opts generic.ListOptions) ([]generic.Document, error) {
	// 0xff never appears in UTF-8, so it bounds every key with this prefix
	lower := "[" + prefix
	upper := "(" + prefix + "\xff"
	if opts.After != "" {
		if opts.Reverse {
			upper = "(" + opts.After
		} else if opts.After >= prefix {
			lower = "(" + opts.After
		}
	}

	by := &redis.ZRangeBy{Min: lower, Max: upper, Count: int64(opts.Limit)}
	var (
		keys []string
		err  error
	)
	if opts.Reverse {
		keys, err = s.rdb.ZRevRangeByLex(ctx, s.idxKey(), by).Result()
	} else {
		keys, err = s.rdb.ZRangeByLex(ctx, s.idxKey(), by).Result()
	}
	if err != nil {
		return nil, generic.Unavailable("redis list", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, s.docKey(k), "v", "d", "t")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, generic.Unavailable("redis list", err)
	}

	docs := make([]generic.Document, 0, len(keys))
	for i, k := range keys {
		// deleted between the index scan and the fetch
		if doc, ok := decodeHash(k, cmds[i].Val()); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func currentVersion(ctx context.Context, tx *redis.Tx, docKey string) (int64, error) {
	v, err := tx.HGet(ctx, docKey, "v").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func decodeHash(key string, vals []any) (generic.Document, bool) {
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return generic.Document{}, false
	}
	version, err := strconv.ParseInt(asString(vals[0]), 10, 64)
	if err != nil {
		return generic.Document{}, false
	}
	doc := generic.Document{Key: key, Version: version, Data: []byte(asString(vals[1]))}
	if nanos, err := strconv.ParseInt(asString(vals[2]), 10, 64); err == nil {
		doc.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return doc, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
